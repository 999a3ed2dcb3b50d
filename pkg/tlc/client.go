package tlc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/protocol"
)

// Op is a TLC request operation.
type Op string

const (
	OpPing        Op = "ping"
	OpDriveLookup Op = "drive_lookup"
	OpMediaLookup Op = "media_lookup"
	OpMediaMove   Op = "media_move"
	OpStatus      Op = "status"
	OpRefresh     Op = "refresh"
)

// Request is one framed message sent to the TLC.
type Request struct {
	Op      Op     `json:"op"`
	Serial  string `json:"serial,omitempty"`  // drive serial for drive_lookup
	Barcode string `json:"barcode,omitempty"` // medium label for media_lookup
	Source  uint64 `json:"source,omitempty"`  // element addresses for media_move
	Target  uint64 `json:"target,omitempty"`
	MaxElem int    `json:"max_elem,omitempty"` // status chunking cap
}

// ElemInfo describes one changer element in a lookup or status response.
type ElemInfo struct {
	Address uint64 `json:"address"`
	Barcode string `json:"barcode,omitempty"`
	Full    bool   `json:"full"`
	Serial  string `json:"serial,omitempty"`
}

// Response is one framed message received from the TLC.
type Response struct {
	Op       Op         `json:"op"`
	RC       int32      `json:"rc"`
	Message  string     `json:"message,omitempty"`
	Elem     *ElemInfo  `json:"elem,omitempty"`
	Elements []ElemInfo `json:"elements,omitempty"`
	LibraryOK bool      `json:"library_ok,omitempty"`
}

// Client is a connection to the TLC. Safe for use by multiple device
// workers; calls are serialized on the wire.
type Client struct {
	addr string
	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns an unconnected client for addr ("host:port").
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Connect dials the TLC.
func (c *Client) Connect(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, timeout)
	if err != nil {
		return fmt.Errorf("failed to reach TLC at %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends req and waits for the matching response, bounded by timeout.
func (c *Client) Call(req *Request, timeout time.Duration) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("TLC connection not established: %w", protocol.ENXIO)
	}

	deadline := time.Now().Add(timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(c.conn, body); err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("TLC send failed: %w", err)
	}

	data, err := protocol.ReadFrame(c.conn)
	if err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("TLC receive failed: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed TLC response: %w", protocol.EINVAL)
	}
	if resp.Op != req.Op {
		return nil, fmt.Errorf("TLC answered %s to %s: %w", resp.Op, req.Op, protocol.EINVAL)
	}
	logger := log.WithComponent("tlc")
	logger.Debug().
		Str("op", string(req.Op)).
		Int32("rc", resp.RC).
		Msg("tlc exchange")
	return &resp, nil
}

func (c *Client) resetLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
