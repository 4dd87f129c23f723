package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirimkit/kirimkit/internal/engine/db"
	"github.com/kirimkit/kirimkit/internal/engine/id"
	"github.com/kirimkit/kirimkit/internal/engine/session"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/util/randx"
	"github.com/kirimkit/kirimkit/internal/util/testutil"
	"github.com/kirimkit/kirimkit/internal/wa"
)

type poolFixture struct {
	pool      *Pool
	store     *store.Store
	sessions  *session.Store
	dialer    *fakeDialer
	connected chan *Supervisor
	ctx       context.Context
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()

	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	f := &poolFixture{
		store:     store.New(sqlDB),
		sessions:  session.NewStore(t.TempDir()),
		dialer:    &fakeDialer{},
		connected: make(chan *Supervisor, 8),
	}

	f.pool = NewPool(Deps{
		Store:          f.store,
		Sessions:       f.sessions,
		Dialer:         f.dialer,
		Rand:           randx.NewSeeded(1),
		Endpoint:       "wss://example.invalid/ws",
		Origin:         "https://example.invalid",
		FetchVersion:   fixedVersion,
		HandshakeDelay: noDelay,
		AutoReadDelay:  noDelay,
		OnConnected: func(s *Supervisor) {
			f.connected <- s
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.ctx = ctx
	f.pool.SetRootContext(ctx)
	t.Cleanup(func() { f.pool.ShutdownAll(context.Background()) })

	return f
}

func (f *poolFixture) seedInstance(t *testing.T, status string) string {
	t.Helper()
	instanceID := id.Generate()
	require.NoError(t, f.store.CreateInstance(context.Background(), &store.Instance{
		ID:          instanceID,
		PhoneNumber: "62811" + instanceID[:8],
		Status:      status,
	}))
	return instanceID
}

func TestConnect_RegistersSupervisor(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)

	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))

	s := f.pool.Get(instanceID)
	require.NotNil(t, s)
	assert.False(t, s.Connected())

	in, err := f.store.GetInstance(f.ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, store.InstanceInitializing, in.Status)

	opts := f.dialer.lastOpts()
	assert.Nil(t, opts.Creds, "no session on disk means a fresh pairing")
	assert.Equal(t, [3]int{2, 3000, 1}, opts.Version)
	assert.GreaterOrEqual(t, opts.KeepAlive, 25*time.Second)
	assert.LessOrEqual(t, opts.KeepAlive, 45*time.Second)
	assert.NotEmpty(t, opts.Fingerprint[0])
}

func TestConnect_FreshPairWipesSession(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceInitializing)
	require.NoError(t, f.sessions.SaveCreds(instanceID, []byte(`{"old":"creds"}`)))

	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))

	assert.False(t, f.sessions.Exists(instanceID), "dashboard fresh-pair intent must wipe the directory")
	assert.Nil(t, f.dialer.lastOpts().Creds)
}

func TestConnect_ReconnectKeepsSession(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceInitializing)
	require.NoError(t, f.sessions.SaveCreds(instanceID, []byte(`{"noiseKey":"xyz"}`)))

	require.NoError(t, f.pool.Connect(f.ctx, instanceID, true))

	assert.True(t, f.sessions.Exists(instanceID))
	assert.JSONEq(t, `{"noiseKey":"xyz"}`, string(f.dialer.lastOpts().Creds))
}

func TestConnect_ReplacesExistingSupervisor(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)

	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	first := f.dialer.last()

	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	assert.Equal(t, 2, f.dialer.dials())
	assert.True(t, first.isClosed(), "the replaced socket must be released")
	require.NotNil(t, f.pool.Get(instanceID))
}

func TestQRCycle_PersistsAndPairs(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)
	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	sock := f.dialer.last()

	sock.emit(wa.ConnectionUpdate{State: wa.StateConnecting, QR: "qr-payload-1"})

	testutil.RequireEventually(t, func() bool {
		in, err := f.store.GetInstance(f.ctx, instanceID)
		return err == nil && in.Status == store.InstanceQRReady && in.QRCode == "qr-payload-1"
	})

	// Pairing accepted: creds arrive with an identity while QR_READY,
	// which flips the row to INITIALIZING for the sync phase.
	sock.setUser(&wa.User{JID: "628111@s.whatsapp.net"})
	sock.emit(wa.CredsUpdate{Data: []byte(`{"paired":true}`)})

	testutil.RequireEventually(t, func() bool {
		in, err := f.store.GetInstance(f.ctx, instanceID)
		return err == nil && in.Status == store.InstanceInitializing && in.QRCode == ""
	})

	data, err := f.sessions.LoadCreds(instanceID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"paired":true}`, string(data))

	sock.emit(wa.ConnectionUpdate{State: wa.StateOpen})

	testutil.RequireEventually(t, func() bool {
		in, err := f.store.GetInstance(f.ctx, instanceID)
		return err == nil && in.Status == store.InstanceConnected
	})

	select {
	case s := <-f.connected:
		assert.Equal(t, instanceID, s.ID)
		assert.True(t, s.Connected())
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected was never invoked")
	}
}

func TestQRAttemptsExhausted_TearsDown(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)
	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	sock := f.dialer.last()

	for i := 0; i < qrMaxCycles; i++ {
		sock.emit(wa.ConnectionUpdate{QR: "qr-payload"})
	}

	testutil.RequireEventually(t, func() bool {
		return f.pool.Get(instanceID) == nil
	})
	testutil.RequireEventually(t, func() bool {
		in, err := f.store.GetInstance(f.ctx, instanceID)
		return err == nil && in.Status == store.InstanceDisconnected
	})
}

func TestQRArrival_DisarmsConnectWatchdog(t *testing.T) {
	f := newPoolFixture(t)
	f.pool.deps.StuckWindow = 200 * time.Millisecond
	instanceID := f.seedInstance(t, store.InstanceDisconnected)
	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	sock := f.dialer.last()

	sock.emit(wa.ConnectionUpdate{State: wa.StateConnecting})
	sock.emit(wa.ConnectionUpdate{State: wa.StateConnecting, QR: "qr-payload-1"})

	testutil.RequireEventually(t, func() bool {
		in, err := f.store.GetInstance(f.ctx, instanceID)
		return err == nil && in.Status == store.InstanceQRReady
	})

	// Well past the watchdog window the pairing must still be live:
	// a displayed QR waiting for a scan is progress, not a stall.
	time.Sleep(600 * time.Millisecond)
	require.NotNil(t, f.pool.Get(instanceID), "pairing torn down mid-scan")
	in, err := f.store.GetInstance(f.ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, store.InstanceQRReady, in.Status)

	// The scan still completes.
	sock.setUser(&wa.User{JID: "628111@s.whatsapp.net"})
	sock.emit(wa.ConnectionUpdate{State: wa.StateOpen})
	testutil.RequireEventually(t, func() bool {
		in, err := f.store.GetInstance(f.ctx, instanceID)
		return err == nil && in.Status == store.InstanceConnected
	})
}

func TestStuckConnecting_TearsDown(t *testing.T) {
	f := newPoolFixture(t)
	f.pool.deps.StuckWindow = 50 * time.Millisecond
	instanceID := f.seedInstance(t, store.InstanceDisconnected)
	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	sock := f.dialer.last()

	// Connecting with no QR and no open: the watchdog must fire.
	sock.emit(wa.ConnectionUpdate{State: wa.StateConnecting})

	testutil.RequireEventually(t, func() bool {
		return f.pool.Get(instanceID) == nil
	})
	testutil.RequireEventually(t, func() bool {
		in, err := f.store.GetInstance(f.ctx, instanceID)
		return err == nil && in.Status == store.InstanceDisconnected
	})
}

func TestEventsChannelClosed_Unregisters(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)
	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	sock := f.dialer.last()
	sock.setUser(&wa.User{JID: "628111@s.whatsapp.net"})
	sock.emit(wa.ConnectionUpdate{State: wa.StateOpen})

	orig := f.pool.Get(instanceID)
	require.NotNil(t, orig)
	testutil.RequireEventually(t, orig.Connected)

	// Transport dies without ever delivering a close update. The
	// supervisor must not linger as a connected zombie.
	require.NoError(t, sock.Close())

	testutil.RequireEventually(t, func() bool {
		cur := f.pool.Get(instanceID)
		return cur != orig
	})
	assert.False(t, orig.Connected())
}

func TestOpen_ResumesPausedBroadcasts(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)

	userID := id.Generate()
	require.NoError(t, f.store.CreateUser(f.ctx, userID, 10))
	require.NoError(t, f.store.CreateBroadcast(f.ctx, &store.Broadcast{
		ID: id.Generate(), UserID: userID, InstanceID: instanceID,
		Message: "hi", Status: store.BroadcastPausedRateLimit, Total: 1,
	}))

	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	sock := f.dialer.last()
	sock.setUser(&wa.User{JID: "628111@s.whatsapp.net"})
	sock.emit(wa.ConnectionUpdate{State: wa.StateOpen})

	testutil.RequireEventually(t, func() bool {
		b, err := f.store.GetActiveBroadcast(f.ctx, instanceID)
		return err == nil && b.Status == store.BroadcastRunning
	})
}

func TestClose_BadSessionWipes(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)
	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	require.NoError(t, f.sessions.SaveCreds(instanceID, []byte(`{"stale":true}`)))
	sock := f.dialer.last()

	sock.emit(wa.ConnectionUpdate{State: wa.StateClose,
		Err: &wa.DisconnectError{StatusCode: wa.CodeLoggedOut, Message: "bad session"}})

	testutil.RequireEventually(t, func() bool {
		return f.pool.Get(instanceID) == nil && !f.sessions.Exists(instanceID)
	})
}

func TestClose_RateLimitPausesBroadcasts(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)

	userID := id.Generate()
	require.NoError(t, f.store.CreateUser(f.ctx, userID, 10))
	broadcastID := id.Generate()
	require.NoError(t, f.store.CreateBroadcast(f.ctx, &store.Broadcast{
		ID: broadcastID, UserID: userID, InstanceID: instanceID,
		Message: "hi", Status: store.BroadcastRunning, Total: 1,
	}))

	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	sock := f.dialer.last()

	sock.emit(wa.ConnectionUpdate{State: wa.StateClose,
		Err: &wa.DisconnectError{StatusCode: wa.CodeRateOverLimit, Message: "rate-overlimit"}})

	testutil.RequireEventually(t, func() bool {
		b, err := f.store.GetBroadcast(f.ctx, broadcastID)
		return err == nil && b.Status == store.BroadcastPausedRateLimit
	})
}

func TestClose_FourthLossGoesFresh(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)
	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	require.NoError(t, f.sessions.SaveCreds(instanceID, []byte(`{"s":1}`)))

	// Three earlier socket generations already lost the connection.
	f.pool.bumpFailCount(instanceID)
	f.pool.bumpFailCount(instanceID)
	f.pool.bumpFailCount(instanceID)

	dialsBefore := f.dialer.dials()
	sock := f.dialer.last()
	sock.emit(wa.ConnectionUpdate{State: wa.StateClose,
		Err: &wa.DisconnectError{StatusCode: wa.CodeConnectionLost, Message: "connection lost"}})

	testutil.RequireEventually(t, func() bool {
		in, err := f.store.GetInstance(f.ctx, instanceID)
		return err == nil && in.Status == store.InstanceDisconnected
	})
	testutil.RequireEventually(t, func() bool {
		return !f.sessions.Exists(instanceID)
	})
	assert.Nil(t, f.pool.Get(instanceID))
	assert.Equal(t, dialsBefore, f.dialer.dials(), "no reconnect after the fourth loss")
}

func TestAutoRead_MarksInbound(t *testing.T) {
	f := newPoolFixture(t)
	instanceID := f.seedInstance(t, store.InstanceDisconnected)
	require.NoError(t, f.pool.Connect(f.ctx, instanceID, false))
	sock := f.dialer.last()
	sock.setUser(&wa.User{JID: "628111@s.whatsapp.net"})
	sock.emit(wa.ConnectionUpdate{State: wa.StateOpen})

	key := wa.MessageKey{RemoteJID: "628222@s.whatsapp.net", ID: "m1"}
	sock.emit(wa.InboundMessage{Key: key})
	// Own and status traffic must never be auto-read.
	sock.emit(wa.InboundMessage{Key: wa.MessageKey{ID: "m2", FromMe: true}})
	sock.emit(wa.InboundMessage{Key: wa.MessageKey{ID: "m3"}, IsStatus: true})

	testutil.RequireEventually(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		return len(sock.readKeys) == 1 && sock.readKeys[0][0].ID == "m1"
	})
}

func TestShutdownAll_PersistsDisconnected(t *testing.T) {
	f := newPoolFixture(t)
	a := f.seedInstance(t, store.InstanceDisconnected)
	b := f.seedInstance(t, store.InstanceDisconnected)

	require.NoError(t, f.pool.Connect(f.ctx, a, false))
	require.NoError(t, f.pool.Connect(f.ctx, b, false))
	require.NoError(t, f.sessions.SaveCreds(a, []byte(`{"keep":true}`)))

	f.pool.ShutdownAll(context.Background())

	assert.Empty(t, f.pool.IDs())
	for _, instanceID := range []string{a, b} {
		in, err := f.store.GetInstance(context.Background(), instanceID)
		require.NoError(t, err)
		assert.Equal(t, store.InstanceDisconnected, in.Status)
		assert.Equal(t, "", in.QRCode)
	}
	// Pairings survive restarts.
	assert.True(t, f.sessions.Exists(a))
}
