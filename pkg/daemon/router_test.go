package daemon

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstor/caskd/pkg/dss"
	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/lrs"
	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type routerFixture struct {
	router *Router
	sched  *lrs.Scheduler
	store  *dss.BoltStore
	medium string
	addr   string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	store, err := dss.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mediumDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(mediumDir, ".caskd_label"), []byte(mediumDir), 0600))
	require.NoError(t, store.SetMedium(&types.Medium{
		ID:        mediumDir,
		Family:    types.FamilyDir,
		AdmStatus: types.AdmUnlocked,
		FSType:    types.FSPosix,
		AddrType:  types.AddrHash1,
		FSStatus:  types.FSEmpty,
		Stats:     types.MediaStats{PhysSpcFree: 1 << 40},
	}))
	require.NoError(t, store.SetDevice(&types.Device{
		ID:        "dir-dev-1",
		Family:    types.FamilyDir,
		Path:      t.TempDir(),
		Host:      "testhost",
		AdmStatus: types.AdmUnlocked,
	}))

	sched := lrs.NewScheduler(lrs.SchedulerConfig{
		Family:       types.FamilyDir,
		Hostname:     "testhost",
		PID:          os.Getpid(),
		Store:        store,
		Algo:         &lrs.FIFO{},
		MountPrefix:  "/tmp/caskd-test.",
		Retry:        lrs.RetryPolicy{Count: 2, Short: time.Millisecond, Long: time.Millisecond},
		Sync:         lrs.SyncThresholds{Time: 20 * time.Millisecond, NbReq: 1, WSize: 1 << 30},
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, sched.Start())

	addr := filepath.Join(t.TempDir(), "lrs.sock")
	router := NewRouter(addr, map[types.Family]*lrs.Scheduler{types.FamilyDir: sched})
	require.NoError(t, router.Start())
	t.Cleanup(func() {
		sched.Stop(time.Now().Add(3 * time.Second))
		router.Stop()
	})

	return &routerFixture{router: router, sched: sched, store: store, medium: mediumDir, addr: addr}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func exchange(t *testing.T, conn net.Conn, req *protocol.Request) *protocol.Response {
	t.Helper()
	body, err := req.Marshal()
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, body))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	resp, err := protocol.UnmarshalResponse(data)
	require.NoError(t, err)
	return resp
}

func TestRouterPing(t *testing.T) {
	f := newRouterFixture(t)
	conn := dial(t, f.addr)

	resp := exchange(t, conn, &protocol.Request{ID: "p1", Kind: protocol.KindPing})
	assert.Equal(t, protocol.RespPing, resp.Kind)
}

func TestRouterWriteAllocAndRelease(t *testing.T) {
	f := newRouterFixture(t)
	conn := dial(t, f.addr)

	resp := exchange(t, conn, &protocol.Request{
		ID:     "w1",
		Kind:   protocol.KindWriteAlloc,
		Family: types.FamilyDir,
		Size:   256,
	})
	require.Equal(t, protocol.RespWrite, resp.Kind)
	require.Len(t, resp.Media, 1)
	assert.Equal(t, f.medium, resp.Media[0].MediumID)

	resp = exchange(t, conn, &protocol.Request{
		ID:     "rel1",
		Kind:   protocol.KindRelease,
		Family: types.FamilyDir,
		Releases: []protocol.ReleaseElt{
			{MediumID: f.medium, WrittenSize: 256, NbObjects: 1, ToSync: true},
		},
	})
	assert.Equal(t, protocol.RespRelease, resp.Kind)
}

func TestRouterUnknownFamily(t *testing.T) {
	f := newRouterFixture(t)
	conn := dial(t, f.addr)

	resp := exchange(t, conn, &protocol.Request{
		ID:     "w1",
		Kind:   protocol.KindWriteAlloc,
		Family: types.FamilyRados,
	})
	assert.Equal(t, protocol.RespError, resp.Kind)
	assert.Equal(t, protocol.EINVAL, resp.RC)
}

func TestRouterVersionMismatch(t *testing.T) {
	f := newRouterFixture(t)
	conn := dial(t, f.addr)

	// hand-craft a frame with a bad version byte
	_, err := conn.Write([]byte{0x02, 0, 0, 0, 2, '{', '}'})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	resp, err := protocol.UnmarshalResponse(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.RespError, resp.Kind)
	assert.Equal(t, protocol.EPROTONOSUPPORT, resp.RC)

	// the connection stays usable
	resp = exchange(t, conn, &protocol.Request{ID: "p1", Kind: protocol.KindPing})
	assert.Equal(t, protocol.RespPing, resp.Kind)
}

func TestRouterRefusesAllocDuringShutdown(t *testing.T) {
	f := newRouterFixture(t)
	conn := dial(t, f.addr)
	// one round trip makes sure the router accepted the connection before
	// the listener closes; a connection still in the backlog is reset
	resp := exchange(t, conn, &protocol.Request{ID: "p0", Kind: protocol.KindPing})
	require.Equal(t, protocol.RespPing, resp.Kind)

	f.router.BeginShutdown()

	resp = exchange(t, conn, &protocol.Request{
		ID:     "w1",
		Kind:   protocol.KindWriteAlloc,
		Family: types.FamilyDir,
		Size:   1,
	})
	assert.Equal(t, protocol.RespError, resp.Kind)
	assert.Equal(t, protocol.ECANCELED, resp.RC)

	// no new connection is accepted once the listener is closed
	_, err := net.Dial("unix", f.addr)
	assert.Error(t, err)
}
