package lrs

import (
	"sync"
	"time"

	"github.com/coldstor/caskd/pkg/protocol"
)

// ClientConn is the handle a request keeps on its originating client.
// Closed detection lets the scheduler drop work for vanished clients.
type ClientConn interface {
	// Key identifies the connection for cancellation on disconnect.
	Key() string
	// Closed reports whether the client hung up.
	Closed() bool
}

// ResponseMsg pairs a serialized response with its destination.
type ResponseMsg struct {
	Conn ClientConn
	Resp *protocol.Response
}

// SubStatus is the terminal-state ladder of a sub-request.
type SubStatus int

const (
	SubPending SubStatus = iota
	SubRunning
	SubDone
	SubError
	SubCancel
)

// ReqContainer carries one client request through dispatch. All mutable
// state is guarded by mu; the last sub-request to observe completion
// publishes the response and retires the container.
type ReqContainer struct {
	mu sync.Mutex

	Req       *protocol.Request
	Conn      ClientConn
	ArrivedAt time.Time

	rc      protocol.Errno // first error wins
	subs    []*SubRequest
	results []*protocol.MediumAccess // per-sub response slots
	emitted bool

	tried    map[string]bool // media already attempted, for read retries
	expected int             // sub-request count the response waits for

	respQ *Queue[ResponseMsg]
}

// NewReqContainer wraps a decoded request.
func NewReqContainer(req *protocol.Request, conn ClientConn, respQ *Queue[ResponseMsg]) *ReqContainer {
	return &ReqContainer{
		Req:       req,
		Conn:      conn,
		ArrivedAt: time.Now(),
		respQ:     respQ,
	}
}

// MarkTried records that medium id was attempted for this request.
func (r *ReqContainer) MarkTried(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tried == nil {
		r.tried = make(map[string]bool)
	}
	r.tried[id] = true
}

// NextUntried returns the first read-alloc candidate not attempted yet.
func (r *ReqContainer) NextUntried() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.Req.MediaIDs {
		if !r.tried[id] {
			return id, true
		}
	}
	return "", false
}

// SubRequest is the portion of an allocation targeting one medium on one
// device.
type SubRequest struct {
	Parent      *ReqContainer
	MediumIndex int
	MediumID    string

	// FailureOnMedium marks an error scoped to the medium itself, which
	// rules the medium out of read retries.
	FailureOnMedium bool

	status     SubStatus
	dispatched bool
}

// AddSub registers a new sub-request for medium id.
func (r *ReqContainer) AddSub(mediumID string) *SubRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &SubRequest{
		Parent:      r,
		MediumIndex: len(r.subs),
		MediumID:    mediumID,
	}
	r.subs = append(r.subs, sub)
	r.results = append(r.results, nil)
	return sub
}

// Subs returns a snapshot of the sub-requests.
func (r *ReqContainer) Subs() []*SubRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SubRequest, len(r.subs))
	copy(out, r.subs)
	return out
}

// RC returns the recorded error code.
func (r *ReqContainer) RC() protocol.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rc
}

// SetError records the first error and cancels every sibling that has not
// reached a terminal state. Workers observe the cancellation on their next
// loop iteration.
func (r *ReqContainer) SetError(rc protocol.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rc == 0 {
		r.rc = rc
	}
	for _, sub := range r.subs {
		if sub.status == SubPending || sub.status == SubRunning {
			sub.status = SubCancel
		}
	}
}

// Aborted reports whether the request already failed or its client left.
func (r *ReqContainer) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rc != 0 || (r.Conn != nil && r.Conn.Closed())
}

// SetExpected pins the number of sub-requests the response waits for, so
// an early completion cannot publish before planning is over.
func (r *ReqContainer) SetExpected(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected = n
}

// allTerminalLocked is evaluated under r.mu.
func (r *ReqContainer) allTerminalLocked() bool {
	if len(r.subs) < r.expected {
		return false
	}
	for _, sub := range r.subs {
		if sub.status == SubPending || sub.status == SubRunning {
			return false
		}
	}
	return true
}

// emitLocked publishes the final response exactly once.
func (r *ReqContainer) emitLocked() {
	if r.emitted || r.respQ == nil {
		return
	}
	r.emitted = true

	if r.rc != 0 {
		r.respQ.Push(ResponseMsg{Conn: r.Conn, Resp: protocol.ErrorResponse(r.Req, r.rc)})
		return
	}

	resp := &protocol.Response{ID: r.Req.ID}
	switch r.Req.Kind {
	case protocol.KindReadAlloc:
		resp.Kind = protocol.RespRead
	case protocol.KindWriteAlloc:
		resp.Kind = protocol.RespWrite
	case protocol.KindFormat:
		resp.Kind = protocol.RespFormat
	case protocol.KindRelease:
		resp.Kind = protocol.RespRelease
	default:
		resp.Kind = protocol.ResponseKind(r.Req.Kind)
	}
	for _, res := range r.results {
		if res == nil {
			continue
		}
		if resp.Kind == protocol.RespRelease {
			resp.Released = append(resp.Released, res.MediumID)
		} else {
			resp.Media = append(resp.Media, *res)
		}
	}
	if r.Req.Kind == protocol.KindFormat && len(resp.Media) > 0 {
		resp.MediumID = resp.Media[0].MediumID
	}
	r.respQ.Push(ResponseMsg{Conn: r.Conn, Resp: resp})
}

// EmitError forces an error response, used for requests cancelled before
// any sub-request ran.
func (r *ReqContainer) EmitError(rc protocol.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rc == 0 {
		r.rc = rc
	}
	r.emitLocked()
}

// Emitted reports whether the final response has been queued.
func (r *ReqContainer) Emitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitted
}

// Status returns the sub-request status.
func (s *SubRequest) Status() SubStatus {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	return s.status
}

// MarkDispatched flags the sub-request as handed to a device.
func (s *SubRequest) MarkDispatched() {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	s.dispatched = true
	s.status = SubRunning
}

// Dispatched reports whether a device already holds this sub-request.
func (s *SubRequest) Dispatched() bool {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	return s.dispatched
}

// Requeue resets the sub-request for another dispatch round.
func (s *SubRequest) Requeue(mediumID string) {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	s.MediumID = mediumID
	s.dispatched = false
	s.status = SubPending
	s.FailureOnMedium = false
}

// Cancelled reports whether the sub-request was cancelled by a sibling
// failure or a client disconnect.
func (s *SubRequest) Cancelled() bool {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	if s.status == SubCancel {
		return true
	}
	if s.Parent.rc != 0 || (s.Parent.Conn != nil && s.Parent.Conn.Closed()) {
		s.status = SubCancel
		return true
	}
	return false
}

// Complete stores the sub-request result. When every sibling is terminal,
// the caller — being the last worker to finish — publishes the response.
func (s *SubRequest) Complete(access *protocol.MediumAccess) {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	s.status = SubDone
	s.Parent.results[s.MediumIndex] = access
	if s.Parent.allTerminalLocked() {
		s.Parent.emitLocked()
	}
}

// Fail records a terminal failure for this sub-request and propagates the
// error to the parent, cancelling outstanding siblings.
func (s *SubRequest) Fail(rc protocol.Errno) {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	s.status = SubError
	if s.Parent.rc == 0 {
		s.Parent.rc = rc
	}
	for _, sub := range s.Parent.subs {
		if sub != s && (sub.status == SubPending || sub.status == SubRunning) {
			sub.status = SubCancel
		}
	}
	if s.Parent.allTerminalLocked() {
		s.Parent.emitLocked()
	}
}

// Drop marks the sub-request cancelled and emits if it was the last one
// outstanding.
func (s *SubRequest) Drop() {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	if s.status == SubPending || s.status == SubRunning || s.status == SubCancel {
		s.status = SubCancel
	}
	if s.Parent.allTerminalLocked() {
		s.Parent.emitLocked()
	}
}
