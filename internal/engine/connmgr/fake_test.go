package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/kirimkit/kirimkit/internal/wa"
)

type fakeSocket struct {
	mu      sync.Mutex
	events  chan wa.Event
	user    *wa.User
	closed  bool
	logouts int
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

func (f *fakeSocket) OnWhatsApp(context.Context, string) (bool, error) { return true, nil }

func (f *fakeSocket) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeSocket) loggedOut() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

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

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
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

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[len(d.socks)-1]
}

func noDelay() time.Duration { return 0 }

func fixedVersion(context.Context) [3]int { return [3]int{2, 3000, 1} }
