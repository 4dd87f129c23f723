package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/kirimkit/kirimkit/internal/wa"
)

// fakeSocket is a scriptable wa.Socket. Tests push events through emit
// and script send outcomes per call.
type fakeSocket struct {
	mu        sync.Mutex
	events    chan wa.Event
	user      *wa.User
	closed    bool
	loggedOut bool

	sendErrs  []error // outcome per SendMessage call, nil past the end
	sendCount int

	presences []wa.Presence
	readKeys  [][]wa.MessageKey

	onWhatsApp func(jid string) (bool, error)
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan wa.Event, 32)}
}

func (f *fakeSocket) emit(ev wa.Event) {
	f.events <- ev
}

func (f *fakeSocket) setUser(u *wa.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = u
}

func (f *fakeSocket) Events() <-chan wa.Event { return f.events }

func (f *fakeSocket) SendPresence(_ context.Context, p wa.Presence, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, p)
	return nil
}

func (f *fakeSocket) PresenceSubscribe(context.Context, string) error { return nil }

func (f *fakeSocket) SendMessage(_ context.Context, _ string, _ wa.SendOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.sendCount
	f.sendCount++
	if i < len(f.sendErrs) && f.sendErrs[i] != nil {
		return "", f.sendErrs[i]
	}
	return "wire-id", nil
}

func (f *fakeSocket) ReadMessages(_ context.Context, keys []wa.MessageKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readKeys = append(f.readKeys, keys)
	return nil
}

func (f *fakeSocket) OnWhatsApp(_ context.Context, jid string) (bool, error) {
	f.mu.Lock()
	probe := f.onWhatsApp
	f.mu.Unlock()
	if probe != nil {
		return probe(jid)
	}
	return true, nil
}

func (f *fakeSocket) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
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

func (f *fakeSocket) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCount
}

// fakeDialer hands out fakeSockets and records dial options.
type fakeDialer struct {
	mu    sync.Mutex
	socks []*fakeSocket
	opts  []wa.Options
}

func (d *fakeDialer) Dial(_ context.Context, opts wa.Options) (wa.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeSocket()
	d.socks = append(d.socks, s)
	d.opts = append(d.opts, opts)
	return s, nil
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) == 0 {
		return nil
	}
	return d.socks[len(d.socks)-1]
}

func (d *fakeDialer) lastOpts() wa.Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts[len(d.opts)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

func fixedVersion(context.Context) [3]int { return [3]int{2, 3000, 1} }

func noDelay() time.Duration { return 0 }
