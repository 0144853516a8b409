package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/router"
	"github.com/bnema/xigrab/internal/server"
	"github.com/jezek/xgb/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rootWindow = xproto.Window(0x100)

// startServer runs a core and a socket server in a temp dir.
func startServer(t *testing.T, outbox int) (*SocketServer, *Client) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig
	cfg.Server.ReleaseFile = filepath.Join(dir, "release")

	var sock *SocketServer
	srv, err := server.New(&cfg, server.NewManualClock(1000), router.DelivererFunc(func(c protocol.ClientID, d router.Delivery) {
		sock.DeliverEvent(c, d)
	}))
	require.NoError(t, err)

	sock, err = NewSocketServer(srv, filepath.Join(dir, "xigrab.sock"), outbox)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	require.NoError(t, sock.Start())
	t.Cleanup(func() {
		sock.Stop()
		srv.Stop()
		cancel()
	})

	client := NewClientAt(sock.SocketPath())
	client.SetTimeout(2 * time.Second)
	return sock, client
}

func dial(t *testing.T, c *Client, name string) *Conn {
	t.Helper()
	conn, err := c.Dial(name)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextEvent(t *testing.T, conn *Conn) router.Delivery {
	t.Helper()
	select {
	case d, ok := <-conn.Events():
		require.True(t, ok, "connection closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return router.Delivery{}
	}
}

func wireMask(dev protocol.DeviceID, types ...protocol.EventType) server.WireMask {
	return server.WireMask{Device: dev, Len: mask.WireUnits, Bytes: mask.Of(types...).ToWire()}
}

func TestSocketServerStartStop(t *testing.T) {
	sock, client := startServer(t, 0)

	info, err := os.Stat(sock.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.True(t, client.IsRunning())

	sock.Stop()
	_, err = os.Stat(sock.SocketPath())
	assert.True(t, os.IsNotExist(err), "socket file removed on stop")
	assert.False(t, client.IsRunning())

	sock.Stop()
}

func TestDialMissingSocket(t *testing.T) {
	client := NewClientAt(filepath.Join(t.TempDir(), "none.sock"))
	_, err := client.Dial("x")
	assert.Error(t, err)
}

func TestClientsGetSeparateIDs(t *testing.T) {
	_, client := startServer(t, 0)
	a := dial(t, client, "a")
	b := dial(t, client, "b")

	assert.Equal(t, protocol.ClientID(1), a.ID())
	assert.Equal(t, protocol.ClientID(2), b.ID())

	st, err := a.State()
	require.NoError(t, err)
	var names []string
	for _, c := range st.Clients {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Len(t, st.Devices, 2)
}

func TestSelectAndDeliver(t *testing.T) {
	_, client := startServer(t, 0)
	a := dial(t, client, "wm")
	b := dial(t, client, "injector")

	win := xproto.Window(a.ResourceBase() | 1)
	require.NoError(t, a.CreateWindow(win, rootWindow, true))
	require.NoError(t, a.Select(win, wireMask(protocol.AllDevices, protocol.ButtonPress, protocol.TouchBegin, protocol.TouchUpdate, protocol.TouchEnd)))

	mine, _, err := a.GetSelected(win)
	require.NoError(t, err)
	assert.True(t, mine[protocol.AllDevices].Has(protocol.ButtonPress))

	err = b.Select(win, wireMask(protocol.AllDevices, protocol.TouchBegin, protocol.TouchUpdate, protocol.TouchEnd))
	assert.True(t, protocol.IsCode(err, protocol.BadAccess), "touch selection is exclusive, got %v", err)

	ev, err := b.Inject(protocol.Event{Type: protocol.ButtonPress, Device: 2, Window: win, Detail: 1})
	require.NoError(t, err)
	assert.NotZero(t, ev.Serial)
	assert.NotEqual(t, protocol.CurrentTime, ev.Time)

	d := nextEvent(t, a)
	assert.Equal(t, protocol.ButtonPress, d.Event.Type)
	assert.Equal(t, win, d.Window)
	assert.Equal(t, ev.Serial, d.Event.Serial)
	assert.False(t, d.Grabbed)
}

func TestWindowOutsideClientRange(t *testing.T) {
	_, client := startServer(t, 0)
	a := dial(t, client, "a")

	err := a.CreateWindow(0x300, rootWindow, true)
	assert.True(t, protocol.IsCode(err, protocol.BadIDChoice), "got %v", err)
}

func TestGrabReleasedOnDisconnect(t *testing.T) {
	_, client := startServer(t, 0)
	a := dial(t, client, "grabber")
	watcher := dial(t, client, "watcher")

	win := xproto.Window(a.ResourceBase() | 1)
	require.NoError(t, a.CreateWindow(win, rootWindow, true))

	status, err := a.GrabDevice(server.GrabRequest{
		Generation: protocol.Extended,
		Device:     2,
		Window:     win,
		ModeSelf:   protocol.GrabModeSync,
		ModePaired: protocol.GrabModeAsync,
		Mask:       mask.Of(protocol.ButtonPress).ToWire(),
		MaskLen:    mask.WireUnits,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.GrabSuccess, status)

	_, err = watcher.Inject(protocol.Event{Type: protocol.ButtonPress, Device: 2, Window: win, Detail: 1})
	require.NoError(t, err)

	st, err := watcher.State()
	require.NoError(t, err)
	require.True(t, st.Devices[0].Grabbed)
	assert.True(t, st.Devices[0].Frozen, "a sync grab holds events until AllowEvents")
	assert.Equal(t, 1, st.Devices[0].Queued)

	require.NoError(t, a.AllowEvents(2, protocol.AsyncThisDevice, protocol.CurrentTime))
	d := nextEvent(t, a)
	assert.Equal(t, protocol.ButtonPress, d.Event.Type)
	assert.True(t, d.Grabbed)

	require.NoError(t, a.Close())

	assert.Eventually(t, func() bool {
		st, err := watcher.State()
		return err == nil && !st.Devices[0].Grabbed && len(st.Clients) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBreakGrabsOverSocket(t *testing.T) {
	_, client := startServer(t, 0)
	a := dial(t, client, "grabber")

	status, err := a.GrabDevice(server.GrabRequest{
		Generation: protocol.Extended,
		Device:     3,
		Window:     rootWindow,
		ModeSelf:   protocol.GrabModeAsync,
		ModePaired: protocol.GrabModeAsync,
		Mask:       mask.Of(protocol.KeyPress).ToWire(),
		MaskLen:    mask.WireUnits,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.GrabSuccess, status)

	n, err := client.BreakGrabs()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFullOutboxDropsEvents(t *testing.T) {
	sock, client := startServer(t, 1)
	a := dial(t, client, "slow")

	require.NoError(t, a.Select(rootWindow, wireMask(protocol.AllDevices, protocol.RawMotion)))

	// Hold the connection's write lock so nothing drains the outbox.
	sock.connMu.RLock()
	c := sock.conns[a.ID()]
	sock.connMu.RUnlock()
	require.NotNil(t, c)
	c.writeMu.Lock()

	b := dial(t, client, "injector")
	go func() {
		for i := 0; i < 5; i++ {
			b.Inject(protocol.Event{Type: protocol.RawMotion, Device: 2})
		}
	}()

	assert.Eventually(t, func() bool {
		st, err := client.State()
		return err == nil && st.Serial >= 5
	}, 2*time.Second, 20*time.Millisecond)
	c.writeMu.Unlock()

	// One event sat in the outbox, one was being written; the rest dropped.
	got := 0
	timeout := time.After(500 * time.Millisecond)
	for done := false; !done; {
		select {
		case <-a.Events():
			got++
		case <-timeout:
			done = true
		}
	}
	assert.Less(t, got, 5)
	assert.GreaterOrEqual(t, got, 1)
}
