package daemon

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/lrs"
	"github.com/coldstor/caskd/pkg/metrics"
	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// clientConn wraps one accepted connection. Writes are serialized; the
// closed flag feeds the cancellation protocol.
type clientConn struct {
	key    string
	conn   net.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

func (c *clientConn) Key() string  { return c.key }
func (c *clientConn) Closed() bool { return c.closed.Load() }

func (c *clientConn) send(resp *protocol.Response) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	body, err := resp.Marshal()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteFrame(c.conn, body)
}

// Router accepts client connections, feeds decoded requests to the family
// schedulers, and writes responses back.
type Router struct {
	addr       string
	schedulers map[types.Family]*lrs.Scheduler

	listener net.Listener
	conns    sync.Map // key -> *clientConn
	stopping atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup

	lg zerolog.Logger
}

// NewRouter builds a router for addr, either a unix socket path or a
// "host:port" pair.
func NewRouter(addr string, schedulers map[types.Family]*lrs.Scheduler) *Router {
	return &Router{
		addr:       addr,
		schedulers: schedulers,
		done:       make(chan struct{}),
		lg:         log.WithComponent("router"),
	}
}

// Start binds the listener and launches the accept and response loops.
func (r *Router) Start() error {
	network := "unix"
	if strings.Contains(r.addr, ":") {
		network = "tcp"
	}
	ln, err := net.Listen(network, r.addr)
	if err != nil {
		return err
	}
	r.listener = ln

	r.wg.Add(2)
	go r.acceptLoop()
	go r.responseLoop()
	r.lg.Info().Str("addr", r.addr).Str("network", network).Msg("listening")
	return nil
}

// BeginShutdown closes the listener so no new connection is admitted and
// flags established connections: allocation and format requests get a
// terminal error, releases of granted allocations still pass.
func (r *Router) BeginShutdown() {
	if r.stopping.Swap(true) {
		return
	}
	if r.listener != nil {
		r.listener.Close()
	}
}

// Stop finishes the shutdown: established connections are closed and the
// response loop drained.
func (r *Router) Stop() {
	r.BeginShutdown()
	close(r.done)
	r.conns.Range(func(_, v any) bool {
		c := v.(*clientConn)
		c.closed.Store(true)
		c.conn.Close()
		return true
	})
	r.wg.Wait()
}

func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.stopping.Load() {
				return
			}
			r.lg.Warn().Err(err).Msg("accept failed")
			continue
		}
		c := &clientConn{key: uuid.New().String(), conn: conn}
		r.conns.Store(c.key, c)
		r.wg.Add(1)
		go r.serveConn(c)
	}
}

// serveConn reads frames from one client until it disconnects.
func (r *Router) serveConn(c *clientConn) {
	defer r.wg.Done()
	defer func() {
		c.closed.Store(true)
		c.conn.Close()
		r.conns.Delete(c.key)
		// outstanding sub-requests for this client observe Closed() and
		// self-cancel on their next worker iteration
		for _, s := range r.schedulers {
			s.Wake()
		}
	}()

	for {
		body, err := protocol.ReadFrame(c.conn)
		if err != nil {
			var rc protocol.Errno
			if errors.As(err, &rc) {
				// protocol error: answer and keep the connection open
				c.send(&protocol.Response{Kind: protocol.RespError, RC: rc})
				continue
			}
			if err != io.EOF && !r.stopping.Load() {
				r.lg.Debug().Err(err).Msg("client read failed")
			}
			return
		}
		req, err := protocol.UnmarshalRequest(body)
		if err != nil {
			c.send(&protocol.Response{Kind: protocol.RespError, RC: protocol.EINVAL})
			continue
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		r.route(c, req)
	}
}

// route constructs the request container and hands it to its scheduler.
func (r *Router) route(c *clientConn, req *protocol.Request) {
	metrics.RequestsTotal.WithLabelValues(string(req.Kind)).Inc()

	if req.Kind == protocol.KindPing {
		c.send(&protocol.Response{ID: req.ID, Kind: protocol.RespPing})
		return
	}

	if r.stopping.Load() && req.Kind != protocol.KindRelease {
		c.send(protocol.ErrorResponse(req, protocol.ECANCELED))
		return
	}

	sched, ok := r.schedulers[req.Family]
	if !ok {
		c.send(protocol.ErrorResponse(req, protocol.EINVAL))
		return
	}
	sched.Push(lrs.NewReqContainer(req, c, sched.Responses()))
}

// responseLoop drains every scheduler's response queue back to clients.
func (r *Router) responseLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, s := range r.schedulers {
			r.flush(s.Responses())
		}
		select {
		case <-r.done:
			// final drain so shutdown cancellations reach their clients
			for _, s := range r.schedulers {
				r.flush(s.Responses())
			}
			return
		case <-ticker.C:
		}
	}
}

func (r *Router) flush(q *lrs.Queue[lrs.ResponseMsg]) {
	for {
		msg, ok := q.Pop()
		if !ok {
			return
		}
		status := "ok"
		if msg.Resp.Kind == protocol.RespError {
			status = "error"
		}
		metrics.ResponsesTotal.WithLabelValues(string(msg.Resp.Kind), status).Inc()

		c, ok := msg.Conn.(*clientConn)
		if !ok || c.Closed() {
			continue // client left, discard
		}
		if err := c.send(msg.Resp); err != nil {
			r.lg.Debug().Err(err).Msg("response write failed")
		}
	}
}
