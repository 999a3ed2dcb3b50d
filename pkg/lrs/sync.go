package lrs

import (
	"fmt"
	"time"

	"github.com/coldstor/caskd/pkg/dss"
	"github.com/coldstor/caskd/pkg/ldm"
	"github.com/coldstor/caskd/pkg/metrics"
	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// syncEntry is one client release waiting for the next medium flush.
type syncEntry struct {
	sub      *SubRequest
	eltIdx   int // index into the parent request's Releases
	queuedAt time.Time
}

// syncState is the pending-release bookkeeping of one device.
type syncState struct {
	entries   []*syncEntry
	oldest    time.Time
	totalSize int64 // bytes written by pending releases
}

func (e *syncEntry) release() *protocol.ReleaseElt {
	return &e.sub.Parent.Req.Releases[e.eltIdx]
}

// SubmitSync appends a release intent to the pending-sync list and wakes
// the worker. The sub-request must target the medium loaded in this drive.
func (d *Device) SubmitSync(sub *SubRequest, eltIdx int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.thread.IsStopped() {
		return fmt.Errorf("device %s is stopped: %w", d.info.ID, protocol.EAGAIN)
	}
	elt := &sub.Parent.Req.Releases[eltIdx]
	entry := &syncEntry{sub: sub, eltIdx: eltIdx, queuedAt: time.Now()}
	if len(d.syncList.entries) == 0 || entry.queuedAt.Before(d.syncList.oldest) {
		d.syncList.oldest = entry.queuedAt
	}
	d.syncList.entries = append(d.syncList.entries, entry)
	d.syncList.totalSize += elt.WrittenSize
	if elt.RC != 0 {
		d.lastClientRC = elt.RC
	}
	if d.allocCount > 0 {
		d.allocCount--
	}
	sub.MarkDispatched()
	d.wakeLocked()
	return nil
}

// scrubSyncList drops entries whose parent request was aborted elsewhere.
func (d *Device) scrubSyncList() {
	d.mu.Lock()
	var kept []*syncEntry
	var dropped []*syncEntry
	for _, e := range d.syncList.entries {
		if e.sub.Cancelled() {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(dropped) > 0 {
		d.syncList.entries = kept
		d.recomputeSyncTotalsLocked()
	}
	d.mu.Unlock()

	for _, e := range dropped {
		e.sub.Drop()
	}
}

// recomputeSyncTotalsLocked refreshes oldest and totalSize after removal.
func (d *Device) recomputeSyncTotalsLocked() {
	d.syncList.oldest = time.Time{}
	d.syncList.totalSize = 0
	for _, e := range d.syncList.entries {
		if d.syncList.oldest.IsZero() || e.queuedAt.Before(d.syncList.oldest) {
			d.syncList.oldest = e.queuedAt
		}
		d.syncList.totalSize += e.release().WrittenSize
	}
}

// checkNeedsSync reevaluates the sync trigger disjunction.
func (d *Device) checkNeedsSync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.syncList.entries)
	if n == 0 {
		d.needsSync = false
		return
	}
	switch {
	case n >= d.syncCfg.NbReq:
		d.needsSync = true
	case !d.syncList.oldest.IsZero() &&
		!time.Now().Before(d.syncList.oldest.Add(d.syncCfg.Time)):
		d.needsSync = true
	case d.syncList.totalSize >= d.syncCfg.WSize*1024:
		d.needsSync = true
	case d.daemonStopping:
		d.needsSync = true
	case d.thread.IsStopping():
		d.needsSync = true
	case d.lastClientRC != 0:
		// client reported an I/O error: drain without syncing
		d.needsSync = true
	default:
		d.needsSync = false
	}
}

// doSync flushes the medium, advances the DSS stats, and answers the
// batched releases.
func (d *Device) doSync() {
	d.mu.Lock()
	entries := d.syncList.entries
	d.syncList.entries = nil
	d.syncList.oldest = time.Time{}
	d.syncList.totalSize = 0
	clientRC := d.lastClientRC
	d.lastClientRC = 0
	d.needsSync = false
	medium := d.loadedMedium
	mnt := d.mntPath
	d.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	if medium == nil {
		for _, e := range entries {
			e.sub.Fail(protocol.ENOMEDIUM)
		}
		return
	}

	// Skip the physical sync when the last client reported an error, to
	// avoid persisting corrupt state. The medium is failed instead.
	if clientRC != 0 {
		d.failMedium(medium, fmt.Errorf("client release error on %s: %w",
			medium.ID, protocol.Errno(clientRC)))
		d.drainEntries(entries, protocol.Errno(clientRC))
		return
	}

	fsa, err := ldm.NewFS(medium.FSType)
	if err != nil {
		d.drainEntries(entries, protocol.EINVAL)
		return
	}

	err = WithRetry(func() error {
		return fsa.Sync(mnt)
	}, ClassifyTransient, d.retry)
	if err == nil {
		metrics.SyncsTotal.Inc()
		metrics.SyncBatchSize.Observe(float64(len(entries)))
	}
	if err != nil {
		d.failMedium(medium, fmt.Errorf("medium sync failed: %w", err))
		d.failDevice(err)
		d.drainEntries(entries, protocol.FromError(err))
		return
	}

	if err := d.updateStatsAfterSync(medium, mnt, entries); err != nil {
		d.failMedium(medium, err)
		d.failDevice(err)
		d.drainEntries(entries, protocol.FromError(err))
		return
	}

	d.store.AppendLog(&dss.LogEntry{
		Device: d.info.ID, Medium: medium.ID, Family: d.info.Family,
		Cause: "sync", RC: 0,
		Message: fmt.Sprintf("%d releases flushed", len(entries)),
	})
	d.drainEntries(entries, 0)
}

// updateStatsAfterSync advances the medium statistics after a successful
// flush.
func (d *Device) updateStatsAfterSync(medium *types.Medium, mnt string, entries []*syncEntry) error {
	var written, objects int64
	for _, e := range entries {
		elt := e.release()
		if elt.RC == 0 {
			written += elt.WrittenSize
			objects += elt.NbObjects
		}
	}

	fsa, err := ldm.NewFS(medium.FSType)
	if err != nil {
		return err
	}
	space, err := fsa.DF(mnt)
	if err != nil {
		return fmt.Errorf("df after sync failed: %w", err)
	}

	if medium.FSStatus == types.FSEmpty && written > 0 {
		medium.FSStatus = types.FSUsed
	}
	medium.Stats.PhysSpcUsed = space.Used
	medium.Stats.PhysSpcFree = space.Free
	medium.Stats.LogcSpcUsed += written
	medium.Stats.NbObj += objects
	if space.Free == 0 {
		medium.FSStatus = types.FSFull
	}
	if err := d.store.UpdateMedium(medium); err != nil {
		return fmt.Errorf("DSS update after sync failed: %w", err)
	}
	return nil
}

// drainEntries answers every batched release: success responses when the
// parent carries no error, a single error response otherwise.
func (d *Device) drainEntries(entries []*syncEntry, rc protocol.Errno) {
	for _, e := range entries {
		if rc != 0 {
			e.sub.Fail(rc)
			continue
		}
		if e.sub.Parent.RC() != 0 {
			e.sub.Drop()
			continue
		}
		e.sub.Complete(&protocol.MediumAccess{MediumID: e.release().MediumID})
	}
}
