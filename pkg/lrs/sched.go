package lrs

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldstor/caskd/pkg/dss"
	"github.com/coldstor/caskd/pkg/ldm"
	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// SchedulerConfig gathers the per-family scheduler dependencies.
type SchedulerConfig struct {
	Family      types.Family
	Hostname    string
	PID         int
	Store       dss.Store
	Lib         ldm.Library
	Algo        Algorithm
	MountPrefix string
	Retry       RetryPolicy
	Sync        SyncThresholds

	// TechnoOf resolves a drive or tape model to its technology
	// generation; it may return an error for unmapped models.
	TechnoOf func(model string) (string, error)

	// TickInterval bounds the dispatch latency of a placeable request.
	TickInterval time.Duration
}

// dispatchedSub tracks accounting owed to the dispatch policy.
type dispatchedSub struct {
	sub    *SubRequest
	kind   IOKind
	techno string
}

// Scheduler owns the device workers of one family plus the incoming,
// retry, and response queues.
type Scheduler struct {
	cfg SchedulerConfig

	devices []*Device

	incoming *Queue[*ReqContainer]
	retryQ   *Queue[*SubRequest]
	respQ    *Queue[ResponseMsg]

	pending  []*ReqContainer
	inflight []dispatchedSub

	wake     chan struct{}
	thread   *Thread
	draining bool

	lg zerolog.Logger
}

// NewScheduler builds a scheduler; Start launches it.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	return &Scheduler{
		cfg:      cfg,
		incoming: NewQueue[*ReqContainer](),
		retryQ:   NewQueue[*SubRequest](),
		respQ:    NewQueue[ResponseMsg](),
		wake:     make(chan struct{}, 1),
		thread:   NewThread(),
		lg:       log.WithComponent("scheduler").With().Str("family", string(cfg.Family)).Logger(),
	}
}

// Family returns the resource family this scheduler manages.
func (s *Scheduler) Family() types.Family { return s.cfg.Family }

// Responses exposes the outbound queue drained by the router.
func (s *Scheduler) Responses() *Queue[ResponseMsg] { return s.respQ }

// Algorithm exposes the dispatch policy, mainly for observability.
func (s *Scheduler) Algorithm() Algorithm { return s.cfg.Algo }

// Devices returns a snapshot of the device workers.
func (s *Scheduler) Devices() []*Device {
	out := make([]*Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Start reconciles stale locks, acquires this host's devices, and launches
// the dispatch loop. Client traffic must not be accepted before Start
// returns.
func (s *Scheduler) Start() error {
	if err := s.RecoverLocks(); err != nil {
		return fmt.Errorf("lock recovery failed: %w", err)
	}

	devs, err := s.cfg.Store.ListDevices(dss.DeviceFilter{
		Family: s.cfg.Family,
		Host:   s.cfg.Hostname,
	})
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, info := range devs {
		if info.AdmStatus != types.AdmUnlocked {
			s.lg.Info().Str("device", info.ID).Str("status", string(info.AdmStatus)).
				Msg("skipping non-unlocked device")
			continue
		}
		if err := s.addDevice(info); err != nil {
			s.lg.Warn().Err(err).Str("device", info.ID).Msg("device not acquired")
		}
	}
	if len(s.devices) == 0 {
		return fmt.Errorf("no usable %s device on %s: %w",
			s.cfg.Family, s.cfg.Hostname, protocol.ENXIO)
	}

	go s.run()
	s.lg.Info().Int("devices", len(s.devices)).Msg("scheduler started")
	return nil
}

// addDevice locks a DSS device row and spawns its worker.
func (s *Scheduler) addDevice(info *types.Device) error {
	err := s.cfg.Store.Lock(types.LockDevice, info.ID, s.cfg.Hostname, s.cfg.PID)
	if err != nil {
		return fmt.Errorf("device %s is locked elsewhere: %w", info.ID, err)
	}

	techno := ""
	if info.Family == types.FamilyTape && s.cfg.TechnoOf != nil {
		t, terr := s.cfg.TechnoOf(info.Model)
		if terr != nil {
			s.lg.Warn().Str("device", info.ID).Str("model", info.Model).
				Msg("no technology mapping for drive model")
		} else {
			techno = t
		}
	}

	dev := NewDevice(DeviceConfig{
		Info:        info,
		Technology:  techno,
		MountPrefix: s.cfg.MountPrefix,
		Retry:       s.cfg.Retry,
		Sync:        s.cfg.Sync,
		Lib:         s.cfg.Lib,
		Store:       s.cfg.Store,
		Hostname:    s.cfg.Hostname,
		PID:         s.cfg.PID,
		RespQ:       s.respQ,
		RetryQ:      s.retryQ,
	})
	if err := dev.Run(); err != nil {
		s.cfg.Store.Unlock(types.LockDevice, info.ID, s.cfg.Hostname, s.cfg.PID, false)
		return err
	}
	s.devices = append(s.devices, dev)
	return nil
}

// Push enqueues a decoded client request and wakes the dispatch loop.
func (s *Scheduler) Push(rc *ReqContainer) {
	s.incoming.Push(rc)
	s.Wake()
}

// Wake nudges the dispatch loop.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.thread.MarkStopped()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if s.thread.IsStopping() && !s.draining {
			s.beginDrain()
		}
		if s.draining {
			s.stepDrain()
			if s.allDevicesStopped() {
				return
			}
		}
		s.tick()
		select {
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// tick is one dispatch round: settle completed accounting, drain the
// retry queue ahead of fresh arrivals, then place what fits.
func (s *Scheduler) tick() {
	s.settleInflight()
	s.drainRetries()

	for {
		rc, ok := s.incoming.Pop()
		if !ok {
			break
		}
		if rc.Aborted() {
			rc.EmitError(protocol.ECANCELED)
			continue
		}
		if done := s.plan(rc); !done {
			s.pending = append(s.pending, rc)
		}
	}

	s.placePending()
}

// settleInflight credits the dispatch policy for terminal sub-requests.
func (s *Scheduler) settleInflight() {
	var still []dispatchedSub
	for _, ds := range s.inflight {
		switch ds.sub.Status() {
		case SubDone, SubError, SubCancel:
			s.cfg.Algo.OnComplete(ds.kind, ds.techno)
		default:
			still = append(still, ds)
		}
	}
	s.inflight = still
}

// drainRetries replans failed sub-requests before any fresh arrival.
func (s *Scheduler) drainRetries() {
	n := s.retryQ.Len()
	for i := 0; i < n; i++ {
		sub, ok := s.retryQ.Pop()
		if !ok {
			return
		}
		if sub.Cancelled() {
			sub.Drop()
			continue
		}
		parent := sub.Parent
		if sub.Status() == SubPending {
			// already planned, only placement failed on an earlier tick
			if !s.placeSub(sub) {
				s.retryQ.Push(sub)
			}
			continue
		}
		switch parent.Req.Kind {
		case protocol.KindReadAlloc:
			if !sub.FailureOnMedium {
				// device-scoped failure: another drive retries the same
				// medium, whose lock we still hold
				sub.Requeue(sub.MediumID)
				break
			}
			next, ok := parent.NextUntried()
			if !ok {
				sub.Fail(protocol.ENOMEDIUM)
				continue
			}
			if err := s.lockMedium(next); err != nil {
				sub.Fail(protocol.FromError(err))
				continue
			}
			parent.MarkTried(next)
			sub.Requeue(next)
		case protocol.KindWriteAlloc:
			medium := s.pickWriteMedium(parent, parent.Req.Size)
			if medium == nil {
				sub.Fail(protocol.ENOSPC)
				continue
			}
			parent.MarkTried(medium.ID)
			sub.Requeue(medium.ID)
		default:
			sub.Fail(protocol.EINVAL)
			continue
		}
		if !s.placeSub(sub) {
			// no slot right now: keep it ahead of fresh arrivals
			s.retryQ.Push(sub)
		}
	}
}

// plan decomposes a fresh request into locked sub-requests. It returns
// true when the request needs no further dispatch (answered directly, or a
// release handed to its devices); allocation and format requests return
// false and are settled by placePending.
func (s *Scheduler) plan(rc *ReqContainer) bool {
	if s.draining && rc.Req.Kind != protocol.KindRelease {
		// only releases of granted allocations pass once shutdown began
		rc.EmitError(protocol.ECANCELED)
		return true
	}
	switch rc.Req.Kind {
	case protocol.KindWriteAlloc:
		return s.planWrite(rc)
	case protocol.KindReadAlloc:
		return s.planRead(rc)
	case protocol.KindFormat:
		return s.planFormat(rc)
	case protocol.KindRelease:
		return s.planRelease(rc)
	case protocol.KindNotify:
		s.handleNotify(rc)
		return true
	default:
		rc.EmitError(protocol.EINVAL)
		return true
	}
}

func (s *Scheduler) planWrite(rc *ReqContainer) bool {
	n := rc.Req.NMedia
	if n <= 0 {
		n = 1
	}
	rc.SetExpected(n)
	for i := 0; i < n; i++ {
		medium := s.pickWriteMedium(rc, rc.Req.Size)
		if medium == nil {
			// nothing eligible right now: wait for a release, keeping
			// the locks already taken
			return false
		}
		rc.MarkTried(medium.ID)
		rc.AddSub(medium.ID)
	}
	s.placeRequest(rc)
	return false
}

func (s *Scheduler) planRead(rc *ReqContainer) bool {
	n := rc.Req.NRequired
	if n <= 0 {
		n = 1
	}
	if len(rc.Req.MediaIDs) < n {
		rc.EmitError(protocol.EINVAL)
		return true
	}
	rc.SetExpected(n)
	for i := 0; i < n; i++ {
		id, ok := rc.NextUntried()
		if !ok {
			rc.EmitError(protocol.ENOMEDIUM)
			return true
		}
		if err := s.lockMedium(id); err != nil {
			// candidate busy elsewhere: try the next alternate
			rc.MarkTried(id)
			i--
			continue
		}
		rc.MarkTried(id)
		rc.AddSub(id)
	}
	if len(rc.Subs()) < n {
		rc.EmitError(protocol.EBUSY)
		return true
	}
	s.placeRequest(rc)
	return false
}

func (s *Scheduler) planFormat(rc *ReqContainer) bool {
	id := rc.Req.MediaIDs
	if len(id) != 1 {
		rc.EmitError(protocol.EINVAL)
		return true
	}
	medium, err := s.cfg.Store.GetMedium(id[0])
	if err != nil {
		rc.EmitError(protocol.ENOMEDIUM)
		return true
	}
	if !s.formatCapableDriveExists(medium) {
		rc.EmitError(protocol.ENODEV)
		return true
	}
	if !rc.Req.Force && medium.FSStatus != types.FSBlank {
		rc.EmitError(protocol.EEXIST)
		return true
	}
	if err := s.lockMedium(medium.ID); err != nil {
		rc.EmitError(protocol.EBUSY)
		return true
	}
	rc.SetExpected(1)
	rc.MarkTried(medium.ID)
	rc.AddSub(medium.ID)
	s.placeRequest(rc)
	return false
}

// mediumTechno resolves a medium's model to its technology generation
// through the same configured mapping the drives use. Empty means the
// model is unmapped (or the family carries no technology at all).
func (s *Scheduler) mediumTechno(medium *types.Medium) string {
	if medium.Family != types.FamilyTape || s.cfg.TechnoOf == nil {
		return ""
	}
	techno, err := s.cfg.TechnoOf(medium.Model)
	if err != nil {
		return ""
	}
	return techno
}

// formatCapableDriveExists checks a drive of the cartridge's technology
// is registered, whatever its current load.
func (s *Scheduler) formatCapableDriveExists(medium *types.Medium) bool {
	if medium.Family != types.FamilyTape {
		return true
	}
	techno := s.mediumTechno(medium)
	for _, d := range s.devices {
		if d.IsOnline() && (d.Technology() == "" || d.Technology() == techno) {
			return true
		}
	}
	return false
}

func (s *Scheduler) planRelease(rc *ReqContainer) bool {
	// register every sub first so that an early completion cannot emit
	// the response before the whole request is routed
	rc.SetExpected(len(rc.Req.Releases))
	subs := make([]*SubRequest, len(rc.Req.Releases))
	for i := range rc.Req.Releases {
		subs[i] = rc.AddSub(rc.Req.Releases[i].MediumID)
	}
	for i := range rc.Req.Releases {
		elt := &rc.Req.Releases[i]
		sub := subs[i]
		if !elt.ToSync {
			sub.Complete(&protocol.MediumAccess{MediumID: elt.MediumID})
			continue
		}
		dev := s.deviceHolding(elt.MediumID)
		if dev == nil {
			sub.Fail(protocol.ENOMEDIUM)
			continue
		}
		if err := dev.SubmitSync(sub, i); err != nil {
			sub.Fail(protocol.FromError(err))
		}
	}
	return true
}

// deviceHolding finds the worker that owns a medium.
func (s *Scheduler) deviceHolding(mediumID string) *Device {
	for _, d := range s.devices {
		if m := d.LoadedMedium(); m != nil && m.ID == mediumID {
			return d
		}
	}
	return nil
}

// handleNotify processes device add/remove requests.
func (s *Scheduler) handleNotify(rc *ReqContainer) {
	switch rc.Req.Op {
	case protocol.NotifyDeviceAdd:
		info, err := s.cfg.Store.GetDevice(rc.Req.DeviceID)
		if err != nil {
			rc.EmitError(protocol.ENODEV)
			return
		}
		if info.Family != s.cfg.Family || info.Host != s.cfg.Hostname {
			rc.EmitError(protocol.EINVAL)
			return
		}
		if err := s.addDevice(info); err != nil {
			rc.EmitError(protocol.FromError(err))
			return
		}
	case protocol.NotifyDeviceRemove:
		if err := s.removeDevice(rc.Req.DeviceID, rc.Req.Wait); err != nil {
			rc.EmitError(protocol.FromError(err))
			return
		}
	default:
		rc.EmitError(protocol.EINVAL)
		return
	}
	s.respQ.Push(ResponseMsg{Conn: rc.Conn, Resp: &protocol.Response{
		ID:       rc.Req.ID,
		Kind:     protocol.RespNotify,
		MediumID: rc.Req.DeviceID,
	}})
}

// removeDevice drains a worker and forgets it.
func (s *Scheduler) removeDevice(id string, wait bool) error {
	for i, d := range s.devices {
		if d.ID() != id {
			continue
		}
		d.Stop(0)
		if wait {
			d.Join()
		} else if !d.TryJoin(time.Now().Add(100 * time.Millisecond)) {
			return fmt.Errorf("device %s still busy: %w", id, protocol.EAGAIN)
		}
		s.devices = append(s.devices[:i], s.devices[i+1:]...)
		return nil
	}
	return fmt.Errorf("device %s not managed here: %w", id, protocol.ENODEV)
}

// pickWriteMedium selects and locks a medium able to absorb size bytes.
func (s *Scheduler) pickWriteMedium(rc *ReqContainer, size int64) *types.Medium {
	media, err := s.cfg.Store.ListMedia(dss.MediaFilter{Family: s.cfg.Family})
	if err != nil {
		s.lg.Error().Err(err).Msg("media listing failed")
		return nil
	}
	for _, m := range media {
		if m.AdmStatus != types.AdmUnlocked {
			continue
		}
		if m.FSStatus != types.FSEmpty && m.FSStatus != types.FSUsed {
			continue
		}
		if m.Stats.PhysSpcFree < size {
			continue
		}
		if !m.HasTags(rc.Req.Tags) {
			continue
		}
		rc.mu.Lock()
		tried := rc.tried[m.ID]
		rc.mu.Unlock()
		if tried {
			continue
		}
		if err := s.lockMedium(m.ID); err != nil {
			continue
		}
		return m
	}
	return nil
}

// lockMedium takes the DSS media lock for this daemon. Locking a medium
// already held by this daemon (loaded in one of our drives) succeeds.
func (s *Scheduler) lockMedium(id string) error {
	return s.cfg.Store.Lock(types.LockMedia, id, s.cfg.Hostname, s.cfg.PID)
}

// placeRequest tries to dispatch every unplaced sub of rc.
func (s *Scheduler) placeRequest(rc *ReqContainer) {
	for _, sub := range rc.Subs() {
		if !sub.Dispatched() && sub.Status() == SubPending {
			s.placeSub(sub)
		}
	}
}

// placePending retries placement for queued requests, oldest first.
func (s *Scheduler) placePending() {
	var still []*ReqContainer
	for _, rc := range s.pending {
		if rc.Aborted() || rc.Emitted() {
			for _, sub := range rc.Subs() {
				if sub.Status() == SubPending {
					sub.Drop()
				}
			}
			continue
		}
		if rc.Req.Kind == protocol.KindWriteAlloc {
			// allocate media that could not be found earlier
			n := rc.Req.NMedia
			if n <= 0 {
				n = 1
			}
			for len(rc.Subs()) < n {
				medium := s.pickWriteMedium(rc, rc.Req.Size)
				if medium == nil {
					break
				}
				rc.MarkTried(medium.ID)
				rc.AddSub(medium.ID)
			}
		}
		s.placeRequest(rc)
		if s.requestFullyDispatched(rc) {
			continue
		}
		still = append(still, rc)
	}
	s.pending = still
}

func (s *Scheduler) requestFullyDispatched(rc *ReqContainer) bool {
	subs := rc.Subs()
	n := len(subs)
	want := 1
	switch rc.Req.Kind {
	case protocol.KindWriteAlloc:
		if rc.Req.NMedia > 0 {
			want = rc.Req.NMedia
		}
	case protocol.KindReadAlloc:
		if rc.Req.NRequired > 0 {
			want = rc.Req.NRequired
		}
	}
	if n < want {
		return false
	}
	for _, sub := range subs {
		if !sub.Dispatched() && sub.Status() == SubPending {
			return false
		}
	}
	return true
}

// placeSub admits and submits one sub-request, reporting whether it was
// dispatched or failed for good (unknown medium). On refusal the medium lock is retained and placement is
// retried on a later tick.
func (s *Scheduler) placeSub(sub *SubRequest) bool {
	medium, err := s.cfg.Store.GetMedium(sub.MediumID)
	if err != nil {
		sub.Fail(protocol.ENOMEDIUM)
		return true
	}

	kind := KindOf(sub.Parent.Req.Kind)
	techno := s.mediumTechno(medium)
	if !s.cfg.Algo.Admit(kind, techno) {
		// over the fair-share maximum: keep the lock, try again later
		return false
	}
	dev := s.cfg.Algo.Select(s.devices, medium, techno, kind)
	if dev == nil {
		return false
	}

	dev.MarkScheduled(true)
	if err := dev.Submit(sub); err != nil {
		dev.MarkScheduled(false)
		return false
	}
	s.cfg.Algo.OnDispatch(kind, dev.Technology())
	s.inflight = append(s.inflight, dispatchedSub{sub: sub, kind: kind, techno: dev.Technology()})
	return true
}

// Stop initiates the shutdown protocol and returns once every worker has
// exited or deadline passed.
func (s *Scheduler) Stop(deadline time.Time) error {
	s.thread.Stop(0)
	s.Wake()
	if !s.thread.TryJoin(deadline) {
		return fmt.Errorf("scheduler for %s did not stop in time: %w",
			s.cfg.Family, protocol.ETIMEDOUT)
	}
	for _, d := range s.devices {
		if !d.TryJoin(deadline) {
			return fmt.Errorf("device %s did not stop in time: %w",
				d.ID(), protocol.ETIMEDOUT)
		}
	}
	return nil
}

// beginDrain runs once on the scheduler goroutine when stop is requested:
// requests not yet dispatched are cancelled, workers flush their pending
// syncs but keep serving releases for granted allocations.
func (s *Scheduler) beginDrain() {
	s.draining = true
	for _, rc := range s.pending {
		rc.EmitError(protocol.ECANCELED)
	}
	s.pending = nil
	for {
		rc, ok := s.incoming.Pop()
		if !ok {
			break
		}
		if rc.Req.Kind == protocol.KindRelease {
			s.incoming.Push(rc)
			break
		}
		rc.EmitError(protocol.ECANCELED)
	}
	for {
		sub, ok := s.retryQ.Pop()
		if !ok {
			break
		}
		sub.Fail(protocol.ECANCELED)
	}
	for _, d := range s.devices {
		d.NotifyShutdown()
	}
	s.lg.Info().Msg("scheduler draining device workers")
}

// stepDrain stops every device that has nothing left to answer for.
func (s *Scheduler) stepDrain() {
	for _, d := range s.devices {
		if !d.Thread().IsStopped() && d.IsDrained() {
			d.Stop(0)
		}
	}
}

func (s *Scheduler) allDevicesStopped() bool {
	for _, d := range s.devices {
		if !d.Thread().IsStopped() {
			return false
		}
	}
	return true
}
