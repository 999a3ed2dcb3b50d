package lrs

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldstor/caskd/pkg/dss"
	"github.com/coldstor/caskd/pkg/ldm"
	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/metrics"
	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// minSleep is the floor applied to any computed wakeup deadline.
const minSleep = 10 * time.Millisecond

// SyncThresholds bounds the per-device sync batcher.
type SyncThresholds struct {
	Time  time.Duration
	NbReq int
	WSize int64 // kilobytes
}

// DeviceConfig gathers everything a device worker needs at start.
type DeviceConfig struct {
	Info        *types.Device
	Technology  string
	MountPrefix string
	Retry       RetryPolicy
	Sync        SyncThresholds

	Lib      ldm.Library
	Store    dss.Store
	Hostname string
	PID      int

	RespQ  *Queue[ResponseMsg]
	RetryQ *Queue[*SubRequest]
}

// Device is one drive worker. All library, filesystem, and DSS
// side-effects touching the drive are serialized on its goroutine; other
// threads publish work under mu and signal.
type Device struct {
	mu     sync.Mutex
	signal chan struct{}
	thread *Thread

	info        *types.Device
	techno      string
	mountPrefix string

	lib      ldm.Library
	store    dss.Store
	hostname string
	pid      int

	opStatus     types.DevOpStatus
	loadedMedium *types.Medium
	mntPath      string
	driveAddr    uint64
	addrKnown    bool

	subReq           *SubRequest
	ongoingIO        bool
	ongoingScheduled bool
	needsSync        bool
	lastClientRC     int32
	daemonStopping   bool
	allocCount       int

	syncList syncState
	syncCfg  SyncThresholds
	retry    RetryPolicy

	respQ  *Queue[ResponseMsg]
	retryQ *Queue[*SubRequest]

	lg zerolog.Logger
}

// NewDevice builds a worker for one drive. The goroutine is started by Run.
func NewDevice(cfg DeviceConfig) *Device {
	return &Device{
		signal:      make(chan struct{}, 1),
		thread:      NewThread(),
		info:        cfg.Info,
		techno:      cfg.Technology,
		mountPrefix: cfg.MountPrefix,
		lib:         cfg.Lib,
		store:       cfg.Store,
		hostname:    cfg.Hostname,
		pid:         cfg.PID,
		opStatus:    types.DevOpEmpty,
		syncCfg:     cfg.Sync,
		retry:       cfg.Retry,
		respQ:       cfg.RespQ,
		retryQ:      cfg.RetryQ,
		lg:          log.WithDevice(cfg.Info.ID),
	}
}

// ID returns the drive serial.
func (d *Device) ID() string { return d.info.ID }

// Family returns the device resource family.
func (d *Device) Family() types.Family { return d.info.Family }

// Technology returns the drive generation label, empty for dir devices.
func (d *Device) Technology() string { return d.techno }

// Thread exposes the lifecycle handle.
func (d *Device) Thread() *Thread { return d.thread }

// LoadedMedium returns the medium currently owned by the drive, nil when
// empty.
func (d *Device) LoadedMedium() *types.Medium {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadedMedium
}

// OpStatus returns the operational status.
func (d *Device) OpStatus() types.DevOpStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opStatus
}

// MntPath returns the active mount point, empty unless mounted.
func (d *Device) MntPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mntPath
}

// IsOnline reports whether the worker runs and the device is usable.
func (d *Device) IsOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thread.IsRunning() && d.info.AdmStatus == types.AdmUnlocked
}

// IsIdle reports whether no work is pending or in flight.
func (d *Device) IsIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.ongoingIO && d.subReq == nil && len(d.syncList.entries) == 0
}

// IsDrained reports whether the device can stop without abandoning a
// client: no in-flight work and every granted write allocation released.
func (d *Device) IsDrained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.ongoingIO && d.subReq == nil && len(d.syncList.entries) == 0 &&
		d.allocCount == 0
}

// IsSchedReady reports whether dispatch may hand this device a
// sub-request right now.
func (d *Device) IsSchedReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thread.IsRunning() &&
		!d.ongoingIO && !d.needsSync && d.subReq == nil && !d.ongoingScheduled &&
		d.opStatus != types.DevOpFailed &&
		d.info.AdmStatus == types.AdmUnlocked
}

// MarkScheduled reserves (or releases) the device for an imminent Submit.
func (d *Device) MarkScheduled(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ongoingScheduled = on
}

// Submit atomically stores the pending sub-request and wakes the worker.
func (d *Device) Submit(sub *SubRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.thread.IsRunning() {
		return fmt.Errorf("device %s is stopping: %w", d.info.ID, protocol.EAGAIN)
	}
	if d.subReq != nil {
		return fmt.Errorf("device %s already has a pending sub-request: %w",
			d.info.ID, protocol.EBUSY)
	}
	d.subReq = sub
	d.ongoingScheduled = false
	sub.MarkDispatched()
	d.wakeLocked()
	return nil
}

// Stop requests worker termination and wakes it.
func (d *Device) Stop(reason protocol.Errno) {
	d.thread.Stop(reason)
	d.mu.Lock()
	d.wakeLocked()
	d.mu.Unlock()
}

// NotifyShutdown tells the worker the whole daemon is draining, which
// forces pending syncs to flush.
func (d *Device) NotifyShutdown() {
	d.mu.Lock()
	d.daemonStopping = true
	d.wakeLocked()
	d.mu.Unlock()
}

// Join blocks until the worker goroutine exits.
func (d *Device) Join() { d.thread.Join() }

// TryJoin waits for exit until deadline.
func (d *Device) TryJoin(deadline time.Time) bool { return d.thread.TryJoin(deadline) }

func (d *Device) wakeLocked() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Run starts the worker goroutine. For tape devices the library handle is
// opened and the drive located first; failure there puts the device in the
// failed state before any request can reach it.
func (d *Device) Run() error {
	if d.info.Family == types.FamilyTape {
		err := WithRetry(func() error {
			return d.lib.Open()
		}, ClassifyTransient, d.retry)
		if err != nil {
			d.failDevice(fmt.Errorf("library open failed: %w", err))
			return err
		}
		var drive *ldm.DriveInfo
		err = WithRetry(func() error {
			var lerr error
			drive, lerr = d.lib.DriveLookup(d.info.ID)
			return lerr
		}, ClassifyTransient, d.retry)
		if err != nil {
			d.failDevice(fmt.Errorf("drive lookup failed: %w", err))
			return err
		}
		d.mu.Lock()
		d.driveAddr = drive.Address
		d.addrKnown = true
		d.mu.Unlock()
	}
	go d.run()
	return nil
}

// run is the cooperative main loop described by the device state machine.
func (d *Device) run() {
	defer d.thread.MarkStopped()
	for {
		d.discardCancelledSub()
		d.scrubSyncList()
		d.checkNeedsSync()

		d.mu.Lock()
		stopping := d.thread.IsStopping()
		idle := !d.ongoingIO && d.subReq == nil && len(d.syncList.entries) == 0
		needsSync := d.needsSync && !d.ongoingIO
		d.mu.Unlock()

		if stopping && idle {
			d.threadEnd()
			return
		}

		if needsSync {
			d.doSync()
			continue
		}

		d.mu.Lock()
		sub := d.subReq
		busy := d.ongoingIO
		d.mu.Unlock()
		if sub != nil && !busy {
			d.handleSub(sub)
			continue
		}

		d.waitSignal()
	}
}

// discardCancelledSub drops a pending sub-request cancelled by a peer.
func (d *Device) discardCancelledSub() {
	d.mu.Lock()
	sub := d.subReq
	d.mu.Unlock()
	if sub == nil || !sub.Cancelled() {
		return
	}
	d.mu.Lock()
	d.subReq = nil
	d.mu.Unlock()
	sub.Drop()
	d.lg.Debug().Str("request", sub.Parent.Req.ID).Msg("discarded cancelled sub-request")
}

// waitSignal sleeps until signalled or until the sync wakeup deadline.
func (d *Device) waitSignal() {
	d.mu.Lock()
	var deadline time.Time
	if len(d.syncList.entries) > 0 {
		deadline = d.syncList.oldest.Add(d.syncCfg.Time)
	}
	d.mu.Unlock()

	floor := time.Now().Add(minSleep)
	if deadline.IsZero() {
		select {
		case <-d.signal:
		case <-time.After(time.Second):
		}
		return
	}
	if deadline.Before(floor) {
		deadline = floor
	}
	select {
	case <-d.signal:
	case <-time.After(time.Until(deadline)):
	}
}

// takePendingSub consumes the pending sub-request slot.
func (d *Device) takePendingSub() *SubRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := d.subReq
	d.subReq = nil
	return sub
}

func (d *Device) setOngoingIO(on bool) {
	d.mu.Lock()
	d.ongoingIO = on
	d.mu.Unlock()
}

// handleSub routes the pending sub-request per request kind.
func (d *Device) handleSub(sub *SubRequest) {
	switch sub.Parent.Req.Kind {
	case protocol.KindFormat:
		d.handleFormat(sub)
	case protocol.KindReadAlloc, protocol.KindWriteAlloc:
		d.handleReadWrite(sub)
	default:
		d.takePendingSub()
		sub.Fail(protocol.EINVAL)
	}
}

// fetchMedium loads the DSS row for the target medium.
func (d *Device) fetchMedium(id string) (*types.Medium, error) {
	m, err := d.store.GetMedium(id)
	if err != nil {
		if errors.Is(err, dss.ErrNotFound) {
			return nil, protocol.ENOMEDIUM
		}
		return nil, err
	}
	return m, nil
}

// handleFormat implements the format operation on this drive.
func (d *Device) handleFormat(sub *SubRequest) {
	req := sub.Parent.Req

	d.mu.Lock()
	loaded := d.loadedMedium
	d.mu.Unlock()

	medium, err := d.fetchMedium(sub.MediumID)
	if err != nil {
		d.takePendingSub()
		sub.Fail(protocol.FromError(err))
		return
	}

	d.setOngoingIO(true)
	defer d.setOngoingIO(false)

	if loaded == nil || loaded.ID != medium.ID {
		if err := d.devEmpty(); err != nil {
			d.takePendingSub()
			d.failDevice(err)
			sub.Fail(protocol.FromError(err))
			return
		}
		err := d.devLoad(medium)
		if errors.Is(err, protocol.EBUSY) {
			// Drive-to-drive conflict: leave the sub-request pending and
			// retry on the next wakeup.
			d.lg.Debug().Str("medium", medium.ID).Msg("load busy, retrying later")
			time.Sleep(d.retry.Short)
			return
		}
		if err != nil {
			d.takePendingSub()
			var failDev, failMedium bool
			classifyLoadFailure(err, &failDev, &failMedium)
			if failMedium {
				d.failMedium(medium, err)
			}
			if failDev {
				d.failDevice(err)
			}
			sub.FailureOnMedium = failMedium
			sub.Fail(protocol.FromError(err))
			return
		}
	}

	d.takePendingSub()

	fsa, err := ldm.NewFS(req.FSType)
	if err != nil {
		sub.Fail(protocol.EINVAL)
		return
	}

	var space *ldm.SpaceInfo
	err = WithRetry(func() error {
		var ferr error
		space, ferr = fsa.Format(d.mediumDevPath(medium), medium.ID)
		return ferr
	}, ClassifyTransient, d.retry)
	if err != nil {
		d.failMedium(medium, fmt.Errorf("format failed: %w", err))
		sub.FailureOnMedium = true
		sub.Fail(protocol.FromError(err))
		return
	}

	medium.FSType = req.FSType
	medium.FSStatus = types.FSEmpty
	medium.Stats.PhysSpcUsed = space.Used
	medium.Stats.PhysSpcFree = space.Free
	if req.Unlock {
		medium.AdmStatus = types.AdmUnlocked
	}
	if err := d.store.UpdateMedium(medium); err != nil {
		d.failMedium(medium, fmt.Errorf("DSS update after format failed: %w", err))
		sub.Fail(protocol.FromError(err))
		return
	}
	d.mu.Lock()
	d.loadedMedium = medium
	d.mu.Unlock()

	d.store.AppendLog(&dss.LogEntry{
		Device: d.info.ID, Medium: medium.ID, Family: d.info.Family,
		Cause: "format", RC: 0,
	})

	sub.Complete(&protocol.MediumAccess{
		MediumID: medium.ID,
		FSType:   medium.FSType,
		AddrType: medium.AddrType,
	})
}

// handleReadWrite mounts the target medium and fills the allocation
// response.
func (d *Device) handleReadWrite(sub *SubRequest) {
	req := sub.Parent.Req
	isWrite := req.Kind == protocol.KindWriteAlloc

	medium, err := d.fetchMedium(sub.MediumID)
	if err != nil {
		d.takePendingSub()
		sub.Fail(protocol.FromError(err))
		return
	}

	d.setOngoingIO(true)
	defer d.setOngoingIO(false)

	d.mu.Lock()
	loaded := d.loadedMedium
	status := d.opStatus
	d.mu.Unlock()

	mounted := status == types.DevOpMounted && loaded != nil && loaded.ID == medium.ID
	loadedHere := loaded != nil && loaded.ID == medium.ID

	if !mounted {
		if !loadedHere {
			if err := d.devEmpty(); err != nil {
				d.takePendingSub()
				d.failDevice(err)
				sub.Fail(protocol.FromError(err))
				return
			}
			err := d.devLoad(medium)
			if errors.Is(err, protocol.EBUSY) {
				d.lg.Debug().Str("medium", medium.ID).Msg("load busy, retrying later")
				time.Sleep(d.retry.Short)
				return
			}
			if err != nil {
				d.takePendingSub()
				var failDev, failMedium bool
				classifyLoadFailure(err, &failDev, &failMedium)
				if failMedium {
					d.failMedium(medium, err)
				}
				if failDev {
					d.failDevice(err)
				}
				sub.FailureOnMedium = failMedium
				d.finishFailedRW(sub, protocol.FromError(err))
				return
			}
		}
		if err := d.devMount(); err != nil {
			d.takePendingSub()
			d.failMedium(medium, fmt.Errorf("mount failed: %w", err))
			sub.FailureOnMedium = true
			d.finishFailedRW(sub, protocol.FromError(err))
			return
		}
	}

	d.takePendingSub()

	d.mu.Lock()
	medium = d.loadedMedium
	mnt := d.mntPath
	d.mu.Unlock()

	access := &protocol.MediumAccess{
		MediumID: medium.ID,
		FSType:   medium.FSType,
		AddrType: medium.AddrType,
		RootPath: mnt,
	}

	if isWrite {
		fsa, err := ldm.NewFS(medium.FSType)
		if err != nil {
			sub.Fail(protocol.EINVAL)
			return
		}
		space, err := fsa.DF(mnt)
		if err != nil {
			d.failMedium(medium, fmt.Errorf("df failed: %w", err))
			sub.FailureOnMedium = true
			d.finishFailedRW(sub, protocol.FromError(err))
			return
		}
		if space.ReadOnly {
			// The filesystem went read-only: the medium is full. Persist
			// that before letting go of it; if the DSS cannot record it
			// the medium stays quarantined behind its lock.
			medium.FSStatus = types.FSFull
			if err := d.store.UpdateMedium(medium); err != nil {
				d.failMedium(medium, fmt.Errorf("DSS update to full failed: %w", err))
				sub.FailureOnMedium = true
				d.finishFailedRW(sub, protocol.FromError(err))
				return
			}
			d.releaseFullMedium()
			sub.FailureOnMedium = true
			d.finishFailedRW(sub, protocol.ENOSPC)
			return
		}
		access.AvailSize = space.Free
		d.mu.Lock()
		d.allocCount++
		d.mu.Unlock()
	}

	sub.Complete(access)
}

// finishFailedRW applies the handoff rules: retry through the scheduler
// when allowed, otherwise fail the parent.
func (d *Device) finishFailedRW(sub *SubRequest, rc protocol.Errno) {
	req := sub.Parent.Req
	switch req.Kind {
	case protocol.KindWriteAlloc:
		// Writes can always pick another medium.
		metrics.RetriesTotal.Inc()
		d.retryQ.Push(sub)
	case protocol.KindReadAlloc:
		if _, ok := sub.Parent.NextUntried(); ok && sub.FailureOnMedium {
			metrics.RetriesTotal.Inc()
			d.retryQ.Push(sub)
			return
		}
		if !sub.FailureOnMedium {
			// Device-scoped failure: another drive can try the same medium.
			metrics.RetriesTotal.Inc()
			d.retryQ.Push(sub)
			return
		}
		sub.Fail(rc)
	default:
		sub.Fail(rc)
	}
}

// releaseFullMedium unloads the write-exhausted medium, dropping its lock
// on the way out.
func (d *Device) releaseFullMedium() {
	if err := d.devEmpty(); err != nil {
		d.failDevice(err)
	}
}

// mediumDevPath is the path handed to the fs driver for a medium loaded in
// this drive.
func (d *Device) mediumDevPath(medium *types.Medium) string {
	if d.info.Family == types.FamilyDir {
		return medium.ID
	}
	return d.info.Path
}

// mountPoint names the mount point of this drive.
func (d *Device) mountPoint() string {
	return d.mountPrefix + filepath.Base(d.info.Path)
}

// devLoad moves the target medium into the drive and takes ownership.
// Returns EBUSY when the library refuses the move for now.
func (d *Device) devLoad(medium *types.Medium) error {
	if d.info.Family == types.FamilyDir {
		d.mu.Lock()
		d.loadedMedium = medium
		d.opStatus = types.DevOpLoaded
		d.mu.Unlock()
		return d.recordLoad(medium)
	}

	var src *ldm.MediaInfo
	err := WithRetry(func() error {
		var lerr error
		src, lerr = d.lib.MediaLookup(medium.ID)
		return lerr
	}, ClassifyTransient, d.retry)
	if err != nil {
		return fmt.Errorf("media lookup failed: %w", err)
	}

	err = d.lib.MediaMove(src.Address, d.driveAddr)
	if errors.Is(err, protocol.EBUSY) {
		metrics.MediaMovesTotal.WithLabelValues("busy").Inc()
		return protocol.EBUSY
	}
	if err != nil {
		metrics.MediaMovesTotal.WithLabelValues("error").Inc()
		d.store.AppendLog(&dss.LogEntry{
			Device: d.info.ID, Medium: medium.ID, Family: d.info.Family,
			Cause: "media_move", RC: int32(protocol.FromError(err)),
			Message: err.Error(),
		})
		return fmt.Errorf("media move failed: %w", err)
	}
	metrics.MediaMovesTotal.WithLabelValues("ok").Inc()

	d.mu.Lock()
	d.loadedMedium = medium
	d.opStatus = types.DevOpLoaded
	d.mu.Unlock()
	return d.recordLoad(medium)
}

func (d *Device) recordLoad(medium *types.Medium) error {
	medium.Stats.NbLoad++
	medium.Stats.LastLoad = time.Now()
	if err := d.store.UpdateMedium(medium); err != nil {
		return fmt.Errorf("DSS update after load failed: %w", err)
	}
	d.store.AppendLog(&dss.LogEntry{
		Device: d.info.ID, Medium: medium.ID, Family: d.info.Family,
		Cause: "load", RC: 0,
	})
	return nil
}

// devMount mounts the loaded medium's filesystem.
func (d *Device) devMount() error {
	d.mu.Lock()
	medium := d.loadedMedium
	d.mu.Unlock()
	if medium == nil {
		return fmt.Errorf("mount without loaded medium: %w", protocol.EINVAL)
	}

	fsa, err := ldm.NewFS(medium.FSType)
	if err != nil {
		return err
	}
	mnt := d.mountPoint()
	if d.info.Family == types.FamilyDir {
		mnt = medium.ID
	}

	err = WithRetry(func() error {
		return fsa.Mount(d.mediumDevPath(medium), mnt, medium.ID)
	}, ClassifyTransient, d.retry)
	if err != nil {
		metrics.MountsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.MountsTotal.WithLabelValues("ok").Inc()

	d.mu.Lock()
	d.mntPath = mnt
	d.opStatus = types.DevOpMounted
	d.mu.Unlock()

	d.store.AppendLog(&dss.LogEntry{
		Device: d.info.ID, Medium: medium.ID, Family: d.info.Family,
		Cause: "mount", RC: 0,
	})
	return nil
}

// devUmount unmounts the medium, leaving it loaded.
func (d *Device) devUmount() error {
	d.mu.Lock()
	medium := d.loadedMedium
	mnt := d.mntPath
	status := d.opStatus
	d.mu.Unlock()
	if status != types.DevOpMounted {
		return nil
	}

	fsa, err := ldm.NewFS(medium.FSType)
	if err != nil {
		return err
	}
	err = WithRetry(func() error {
		return fsa.Umount(d.mediumDevPath(medium), mnt)
	}, ClassifyTransient, d.retry)
	if err != nil {
		return fmt.Errorf("umount failed: %w", err)
	}

	d.mu.Lock()
	d.mntPath = ""
	d.opStatus = types.DevOpLoaded
	d.mu.Unlock()
	return nil
}

// devUnload returns the medium to a storage slot and releases its lock.
func (d *Device) devUnload() error {
	d.mu.Lock()
	medium := d.loadedMedium
	d.mu.Unlock()
	if medium == nil {
		d.mu.Lock()
		d.opStatus = types.DevOpEmpty
		d.mu.Unlock()
		return nil
	}

	if d.info.Family != types.FamilyDir {
		var slot *ldm.MediaInfo
		err := WithRetry(func() error {
			// Locate the medium; while it is loaded the library reports
			// this drive's address for the barcode.
			var lerr error
			slot, lerr = d.lib.MediaLookup(medium.ID)
			if lerr != nil {
				return lerr
			}
			return nil
		}, ClassifyTransient, d.retry)
		if err != nil {
			return fmt.Errorf("unload lookup failed: %w", err)
		}
		if slot.Address == d.driveAddr {
			// medium is in this drive, find a destination via scan
			dst, derr := d.freeSlot()
			if derr != nil {
				return derr
			}
			if err := d.lib.MediaMove(d.driveAddr, dst); err != nil {
				return fmt.Errorf("unload move failed: %w", err)
			}
		}
	}

	if err := d.store.Unlock(types.LockMedia, medium.ID, d.hostname, d.pid, false); err != nil &&
		!errors.Is(err, dss.ErrNotFound) {
		d.lg.Warn().Err(err).Str("medium", medium.ID).Msg("media unlock failed on unload")
	}

	d.mu.Lock()
	d.loadedMedium = nil
	d.opStatus = types.DevOpEmpty
	d.mu.Unlock()
	return nil
}

// freeSlot scans the library for an empty storage element.
func (d *Device) freeSlot() (uint64, error) {
	var elems []ldm.MediaInfo
	err := WithRetry(func() error {
		var serr error
		elems, serr = d.lib.Scan()
		return serr
	}, ClassifyTransient, d.retry)
	if err != nil {
		return 0, fmt.Errorf("inventory scan failed: %w", err)
	}
	for _, e := range elems {
		if !e.Full && e.Address != d.driveAddr {
			return e.Address, nil
		}
	}
	return 0, fmt.Errorf("no free slot in library: %w", protocol.ENOSPC)
}

// devEmpty brings the drive back to the empty state.
func (d *Device) devEmpty() error {
	if err := d.devUmount(); err != nil {
		return err
	}
	return d.devUnload()
}

// classifyLoadFailure splits a load error into device and medium scopes.
func classifyLoadFailure(err error, failDev, failMedium *bool) {
	var rc protocol.Errno
	if !errors.As(err, &rc) {
		rc = protocol.FromError(err)
	}
	switch rc {
	case protocol.ENOMEDIUM, protocol.ENOENT:
		*failMedium = true
	default:
		*failDev = true
	}
}

// failMedium marks the medium failed in the DSS and releases its lock.
// When the DSS cannot record the failure the lock is kept on purpose so
// the medium stays quarantined until an admin intervenes.
func (d *Device) failMedium(medium *types.Medium, cause error) {
	d.lg.Error().Err(cause).Str("medium", medium.ID).Msg("medium failed")
	medium.AdmStatus = types.AdmFailed
	medium.Stats.NbErrors++
	if err := d.store.UpdateMedium(medium); err != nil {
		d.lg.Error().Err(err).Str("medium", medium.ID).
			Msg("cannot mark medium failed, keeping its lock")
		return
	}
	d.store.AppendLog(&dss.LogEntry{
		Device: d.info.ID, Medium: medium.ID, Family: d.info.Family,
		Cause: "medium_failed", RC: int32(protocol.FromError(cause)),
		Message: cause.Error(),
	})
	if err := d.store.Unlock(types.LockMedia, medium.ID, d.hostname, d.pid, false); err != nil &&
		!errors.Is(err, dss.ErrNotFound) {
		d.lg.Warn().Err(err).Str("medium", medium.ID).Msg("media unlock failed")
	}
	d.mu.Lock()
	if d.loadedMedium != nil && d.loadedMedium.ID == medium.ID {
		d.loadedMedium = nil
		d.opStatus = types.DevOpEmpty
		d.mntPath = ""
	}
	d.mu.Unlock()
}

// failDevice transitions the device to the failed sink state. The loaded
// medium, if any, is failed first; locks are only released when the DSS
// update succeeded.
func (d *Device) failDevice(cause error) {
	d.lg.Error().Err(cause).Msg("device failed")

	d.mu.Lock()
	medium := d.loadedMedium
	d.opStatus = types.DevOpFailed
	d.mu.Unlock()

	if medium != nil {
		d.failMedium(medium, cause)
	}

	d.info.AdmStatus = types.AdmFailed
	if err := d.store.UpdateDeviceAdmStatus(d.info.ID, types.AdmFailed); err != nil {
		d.lg.Error().Err(err).Msg("cannot mark device failed, keeping its lock")
	} else {
		if err := d.store.Unlock(types.LockDevice, d.info.ID, d.hostname, d.pid, false); err != nil &&
			!errors.Is(err, dss.ErrNotFound) {
			d.lg.Warn().Err(err).Msg("device unlock failed")
		}
	}
	d.store.AppendLog(&dss.LogEntry{
		Device: d.info.ID, Family: d.info.Family,
		Cause: "device_failed", RC: int32(protocol.FromError(cause)),
		Message: cause.Error(),
	})
	d.thread.Stop(protocol.FromError(cause))
}

// threadEnd is the graceful exit path: umount but keep the medium loaded,
// then release the media and device locks in that order.
func (d *Device) threadEnd() {
	d.mu.Lock()
	status := d.opStatus
	medium := d.loadedMedium
	d.mu.Unlock()

	if status == types.DevOpFailed {
		return
	}

	if status == types.DevOpMounted {
		if err := d.devUmount(); err != nil {
			d.failDevice(err)
			return
		}
	}

	if medium != nil {
		if err := d.store.Unlock(types.LockMedia, medium.ID, d.hostname, d.pid, false); err != nil &&
			!errors.Is(err, dss.ErrNotFound) {
			d.lg.Warn().Err(err).Str("medium", medium.ID).Msg("media unlock failed at stop")
		}
	}
	if err := d.store.Unlock(types.LockDevice, d.info.ID, d.hostname, d.pid, false); err != nil &&
		!errors.Is(err, dss.ErrNotFound) {
		d.lg.Warn().Err(err).Msg("device unlock failed at stop")
	}
	d.lg.Info().Msg("device worker stopped")
}
