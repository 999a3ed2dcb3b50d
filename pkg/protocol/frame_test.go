package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"kind":"ping"}`)

	require.NoError(t, WriteFrame(&buf, body))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrameVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("x")))
	raw := buf.Bytes()
	raw[0] = 0x02

	_, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, EPROTONOSUPPORT)
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	raw := buf.Bytes()

	_, err := ReadFrame(bytes.NewReader(raw[:len(raw)-2]))
	assert.ErrorIs(t, err, EINVAL)
}

func TestFrameOversized(t *testing.T) {
	hdr := []byte{Version, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, EINVAL)
}

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		ID:       "req-1",
		Kind:     KindWriteAlloc,
		Family:   "tape",
		NMedia:   2,
		Size:     1 << 20,
		Tags:     []string{"archive"},
	}
	data, err := req.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestUnmarshalRequestMalformed(t *testing.T) {
	_, err := UnmarshalRequest([]byte("{not json"))
	assert.ErrorIs(t, err, EINVAL)
}

func TestErrorResponseMirrorsKind(t *testing.T) {
	req := &Request{ID: "req-2", Kind: KindReadAlloc}
	resp := ErrorResponse(req, ENOMEDIUM)

	assert.Equal(t, RespError, resp.Kind)
	assert.Equal(t, KindReadAlloc, resp.ReqKind)
	assert.Equal(t, ENOMEDIUM, resp.RC)
	assert.Equal(t, "req-2", resp.ID)
}

func TestErrnoValues(t *testing.T) {
	assert.EqualValues(t, -16, EBUSY)
	assert.EqualValues(t, -17, EEXIST)
	assert.EqualValues(t, -28, ENOSPC)
	assert.EqualValues(t, -125, ECANCELED)
	assert.EqualValues(t, 0, OK)
}

func TestFromError(t *testing.T) {
	assert.Equal(t, OK, FromError(nil))
	assert.Equal(t, EBUSY, FromError(EBUSY))
	assert.Equal(t, ENOSPC, FromError(wrap(ENOSPC)))
	assert.Equal(t, EIO, FromError(assert.AnError))
}

func wrap(e error) error {
	return &wrapped{e}
}

type wrapped struct{ inner error }

func (w *wrapped) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrapped) Unwrap() error { return w.inner }
