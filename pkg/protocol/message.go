package protocol

import (
	"encoding/json"

	"github.com/coldstor/caskd/pkg/types"
)

// RequestKind discriminates the request messages handled by the scheduler.
type RequestKind string

const (
	KindPing       RequestKind = "ping"
	KindReadAlloc  RequestKind = "read_alloc"
	KindWriteAlloc RequestKind = "write_alloc"
	KindRelease    RequestKind = "release"
	KindFormat     RequestKind = "format"
	KindNotify     RequestKind = "notify"
)

// NotifyOp is the operation carried by a notify request.
type NotifyOp string

const (
	NotifyDeviceAdd    NotifyOp = "device_add"
	NotifyDeviceRemove NotifyOp = "device_remove"
)

// Request is the decoded body of one client frame.
type Request struct {
	ID     string       `json:"id"`
	Kind   RequestKind  `json:"kind"`
	Family types.Family `json:"family"`

	// read_alloc: number of media required plus candidates in preference
	// order. write_alloc: space per replica and required tags.
	NMedia   int      `json:"n_media,omitempty"`
	NRequired int     `json:"n_required,omitempty"`
	MediaIDs []string `json:"media_ids,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// release
	Releases []ReleaseElt `json:"releases,omitempty"`

	// format
	FSType types.FSType `json:"fs_type,omitempty"`
	Unlock bool         `json:"unlock,omitempty"`
	Force  bool         `json:"force,omitempty"`

	// notify
	Op       NotifyOp `json:"op,omitempty"`
	DeviceID string   `json:"device_id,omitempty"`
	Wait     bool     `json:"wait,omitempty"`
}

// ReleaseElt is one medium of a release request.
type ReleaseElt struct {
	MediumID    string `json:"medium_id"`
	WrittenSize int64  `json:"written_size"` // bytes written since allocation
	NbObjects   int64  `json:"nb_objects"`
	RC          int32  `json:"rc"`      // client-side I/O status
	ToSync      bool   `json:"to_sync"` // false for read releases
}

// ResponseKind discriminates response messages.
type ResponseKind string

const (
	RespPing    ResponseKind = "ping"
	RespRead    ResponseKind = "read_alloc"
	RespWrite   ResponseKind = "write_alloc"
	RespRelease ResponseKind = "release"
	RespFormat  ResponseKind = "format"
	RespNotify  ResponseKind = "notify"
	RespError   ResponseKind = "error"
)

// MediumAccess describes one allocated medium in an allocation response.
type MediumAccess struct {
	MediumID  string            `json:"medium_id"`
	FSType    types.FSType      `json:"fs_type"`
	AddrType  types.AddressType `json:"address_type"`
	RootPath  string            `json:"root_path"`
	AvailSize int64             `json:"avail_size,omitempty"` // writes only
}

// Response is the body of one frame sent back to a client.
type Response struct {
	ID   string       `json:"id"`
	Kind ResponseKind `json:"kind"`

	Media    []MediumAccess `json:"media,omitempty"`
	Released []string       `json:"released,omitempty"`
	MediumID string         `json:"medium_id,omitempty"`

	// error responses
	ReqKind RequestKind `json:"req_kind,omitempty"`
	RC      Errno       `json:"rc,omitempty"`
}

// ErrorResponse builds the error variant mirroring req.
func ErrorResponse(req *Request, rc Errno) *Response {
	return &Response{
		ID:      req.ID,
		Kind:    RespError,
		ReqKind: req.Kind,
		RC:      rc,
	}
}

// Marshal serializes a request body.
func (r *Request) Marshal() ([]byte, error) { return json.Marshal(r) }

// Marshal serializes a response body.
func (r *Response) Marshal() ([]byte, error) { return json.Marshal(r) }

// UnmarshalRequest decodes a request body.
func UnmarshalRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, EINVAL
	}
	return &req, nil
}

// UnmarshalResponse decodes a response body.
func UnmarshalResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, EINVAL
	}
	return &resp, nil
}
