package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/kirimkit/kirimkit/internal/wa"
)

// fakeSocket scripts send outcomes and records presence traffic.
type fakeSocket struct {
	mu     sync.Mutex
	events chan wa.Event
	user   *wa.User
	closed bool

	sendErrs  []error
	sendCount int
	sendOpts  []wa.SendOpts

	presences []wa.Presence

	onWhatsApp func(jid string) (bool, error)
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

func (f *fakeSocket) SendPresence(_ context.Context, p wa.Presence, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, p)
	return nil
}

func (f *fakeSocket) PresenceSubscribe(context.Context, string) error { return nil }

func (f *fakeSocket) SendMessage(_ context.Context, _ string, opts wa.SendOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.sendCount
	f.sendCount++
	f.sendOpts = append(f.sendOpts, opts)
	if i < len(f.sendErrs) && f.sendErrs[i] != nil {
		return "", f.sendErrs[i]
	}
	return "wire-id", nil
}

func (f *fakeSocket) ReadMessages(context.Context, []wa.MessageKey) error { return nil }

func (f *fakeSocket) OnWhatsApp(_ context.Context, jid string) (bool, error) {
	f.mu.Lock()
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

func (f *fakeSocket) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCount
}

// fakeDialer hands out one fakeSocket per dial.
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

func noDelay() time.Duration { return 0 }

func fixedVersion(context.Context) [3]int { return [3]int{2, 3000, 1} }
