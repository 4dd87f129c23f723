package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirimkit/kirimkit/internal/engine/db"
	"github.com/kirimkit/kirimkit/internal/engine/id"
	"github.com/kirimkit/kirimkit/internal/engine/session"
	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/supervisor"
	"github.com/kirimkit/kirimkit/internal/util/randx"
	"github.com/kirimkit/kirimkit/internal/util/testutil"
	"github.com/kirimkit/kirimkit/internal/wa"
)

type fakeSocket struct {
	mu     sync.Mutex
	events chan wa.Event
	user   *wa.User
	closed bool

	onWhatsApp func(jid string) (bool, error)
	probes     []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan wa.Event, 32)}
}

func (f *fakeSocket) emit(ev wa.Event) { f.events <- ev }

func (f *fakeSocket) setUser(u *wa.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = u
}

func (f *fakeSocket) Events() <-chan wa.Event { return f.events }

func (f *fakeSocket) SendPresence(context.Context, wa.Presence, string) error { return nil }

func (f *fakeSocket) PresenceSubscribe(context.Context, string) error { return nil }

func (f *fakeSocket) SendMessage(context.Context, string, wa.SendOpts) (string, error) {
	return "wire-id", nil
}

func (f *fakeSocket) ReadMessages(context.Context, []wa.MessageKey) error { return nil }

func (f *fakeSocket) OnWhatsApp(_ context.Context, jid string) (bool, error) {
	f.mu.Lock()
	f.probes = append(f.probes, jid)
	probe := f.onWhatsApp
	f.mu.Unlock()
	if probe != nil {
		return probe(jid)
	}
	return true, nil
}

func (f *fakeSocket) Logout(context.Context) error { return nil }

func (f *fakeSocket) User() *wa.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSocket) probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.probes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	socks []*fakeSocket
}

func (d *fakeDialer) Dial(context.Context, wa.Options) (wa.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeSocket()
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[len(d.socks)-1]
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	st     *store.Store
	pool   *supervisor.Pool
	sock   *fakeSocket
	userID string
}

// newFixture builds a store, a pool with one connected instance, and a
// user that owns the contacts under test.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{t: t, ctx: ctx, st: store.New(sqlDB)}

	dialer := &fakeDialer{}
	f.pool = supervisor.NewPool(supervisor.Deps{
		Store:          f.st,
		Sessions:       session.NewStore(t.TempDir()),
		Dialer:         dialer,
		Rand:           randx.NewSeeded(1),
		FetchVersion:   func(context.Context) [3]int { return [3]int{2, 3000, 1} },
		HandshakeDelay: func() time.Duration { return 0 },
		AutoReadDelay:  func() time.Duration { return 0 },
	})
	f.pool.SetRootContext(ctx)
	t.Cleanup(func() { f.pool.ShutdownAll(context.Background()) })

	instanceID := id.Generate()
	require.NoError(t, f.st.CreateInstance(ctx, &store.Instance{
		ID:          instanceID,
		PhoneNumber: "628123456789",
		Status:      store.InstanceDisconnected,
	}))
	f.userID = id.Generate()
	require.NoError(t, f.st.CreateUser(ctx, f.userID, 10))
	require.NoError(t, f.st.LinkInstanceUser(ctx, instanceID, f.userID))

	require.NoError(t, f.pool.Connect(ctx, instanceID, false))
	f.sock = dialer.last()
	f.sock.setUser(&wa.User{JID: "628123456789@s.whatsapp.net"})
	f.sock.emit(wa.ConnectionUpdate{State: wa.StateOpen})

	testutil.RequireEventually(t, func() bool {
		s := f.pool.Get(instanceID)
		return s != nil && s.Connected()
	})
	return f
}

func (f *fixture) seedContact(phone string) string {
	f.t.Helper()
	contactID := id.Generate()
	require.NoError(f.t, f.st.CreateContact(f.ctx, &store.Contact{
		ID: contactID, UserID: f.userID, Phone: phone, Status: store.ContactPending,
	}))
	return contactID
}

func (f *fixture) contactStatus(contactID string) string {
	f.t.Helper()
	var status string
	require.NoError(f.t, f.st.DB().QueryRowContext(f.ctx,
		"SELECT status FROM contacts WHERE id = ?", contactID).Scan(&status))
	return status
}

func TestPassMarksVerifiedAndInvalid(t *testing.T) {
	f := newFixture(t)
	registered := f.seedContact("0812-345-0001")
	unregistered := f.seedContact("628123450002")

	f.sock.onWhatsApp = func(jid string) (bool, error) {
		return jid == "628123450001@s.whatsapp.net", nil
	}

	w := New(f.st, f.pool, randx.NewSeeded(2))
	require.True(t, w.pass(f.ctx))

	assert.Equal(t, store.ContactVerified, f.contactStatus(registered))
	assert.Equal(t, store.ContactInvalid, f.contactStatus(unregistered))
	// The dashed local-format number reaches the wire normalized.
	assert.Contains(t, f.sock.probed(), "628123450001@s.whatsapp.net")
}

func TestPassInvalidPhoneSkipsProbe(t *testing.T) {
	f := newFixture(t)
	contactID := f.seedContact("12345")

	w := New(f.st, f.pool, randx.NewSeeded(2))
	require.True(t, w.pass(f.ctx))

	assert.Equal(t, store.ContactInvalid, f.contactStatus(contactID))
	assert.Empty(t, f.sock.probed())
}

func TestPassProbeErrorLeavesContactPending(t *testing.T) {
	f := newFixture(t)
	contactID := f.seedContact("628123450001")

	f.sock.onWhatsApp = func(string) (bool, error) {
		return false, errors.New("probe timeout")
	}

	ctx, cancel := context.WithCancel(f.ctx)
	go func() {
		// Unblock the post-probe error sleep.
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	w := New(f.st, f.pool, randx.NewSeeded(2))
	w.pass(ctx)

	assert.Equal(t, store.ContactPending, f.contactStatus(contactID))
}

func TestPassNoSocketDoesNothing(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	st := store.New(sqlDB)

	pool := supervisor.NewPool(supervisor.Deps{
		Store:    st,
		Sessions: session.NewStore(t.TempDir()),
		Dialer:   &fakeDialer{},
		Rand:     randx.NewSeeded(1),
	})

	userID := id.Generate()
	require.NoError(t, st.CreateUser(context.Background(), userID, 10))
	contactID := id.Generate()
	require.NoError(t, st.CreateContact(context.Background(), &store.Contact{
		ID: contactID, UserID: userID, Phone: "628123450001", Status: store.ContactPending,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := New(st, pool, randx.NewSeeded(2))
	assert.False(t, w.pass(ctx))

	var status string
	require.NoError(t, st.DB().QueryRowContext(context.Background(),
		"SELECT status FROM contacts WHERE id = ?", contactID).Scan(&status))
	assert.Equal(t, store.ContactPending, status)
}
