package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kirimkit/kirimkit/internal/wa"
)

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		name string
		derr *wa.DisconnectError
		want closeAction
	}{
		{
			name: "stream restart keeps session, fixed short delay",
			derr: &wa.DisconnectError{StatusCode: 515, Message: "stream restart required"},
			want: closeAction{reason: "stream_restart", reconnect: true,
				delayMin: 2 * time.Second, delayMax: 2 * time.Second},
		},
		{
			name: "stream errored keeps session",
			derr: &wa.DisconnectError{StatusCode: 0, Message: "Stream Errored (unknown)"},
			want: closeAction{reason: "stream_error", reconnect: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "handshake failure keeps session",
			derr: &wa.DisconnectError{Message: "noise handshake failure"},
			want: closeAction{reason: "stream_error", reconnect: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "logged out wipes session",
			derr: &wa.DisconnectError{StatusCode: 401, Message: "logged out from phone"},
			want: closeAction{reason: "logged_out", reconnect: true, wipeSession: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "401 without message wipes session",
			derr: &wa.DisconnectError{StatusCode: 401},
			want: closeAction{reason: "bad_session", reconnect: true, wipeSession: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "connection replaced wipes session",
			derr: &wa.DisconnectError{StatusCode: 440, Message: "conflict"},
			want: closeAction{reason: "bad_session", reconnect: true, wipeSession: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "bad session message wipes session",
			derr: &wa.DisconnectError{Message: "Bad Session detected"},
			want: closeAction{reason: "bad_session", reconnect: true, wipeSession: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "qr refs over limit wipes session",
			derr: &wa.DisconnectError{Message: "QR refs over limit"},
			want: closeAction{reason: "bad_session", reconnect: true, wipeSession: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "rate over limit pauses broadcasts",
			derr: &wa.DisconnectError{StatusCode: 429, Message: "rate-overlimit"},
			want: closeAction{reason: "rate_limit", reconnect: true, rateLimit: true,
				delayMin: rateLimitMin, delayMax: rateLimitMax},
		},
		{
			name: "503 is treated as rate limit",
			derr: &wa.DisconnectError{StatusCode: 503, Message: "unavailable service"},
			want: closeAction{reason: "rate_limit", reconnect: true, rateLimit: true,
				delayMin: rateLimitMin, delayMax: rateLimitMax},
		},
		{
			name: "spam phrase is treated as rate limit",
			derr: &wa.DisconnectError{Message: "account flagged for spam"},
			want: closeAction{reason: "rate_limit", reconnect: true, rateLimit: true,
				delayMin: rateLimitMin, delayMax: rateLimitMax},
		},
		{
			name: "connection lost counts towards the loss streak",
			derr: &wa.DisconnectError{StatusCode: 408, Message: "connection lost"},
			want: closeAction{reason: "connection_lost", reconnect: true, countLoss: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "timed out counts towards the loss streak",
			derr: &wa.DisconnectError{Message: "request timed out"},
			want: closeAction{reason: "connection_lost", reconnect: true, countLoss: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "unknown close keeps session and retries",
			derr: &wa.DisconnectError{StatusCode: 500, Message: "something else"},
			want: closeAction{reason: "other", reconnect: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
		{
			name: "nil error defaults to retry",
			derr: nil,
			want: closeAction{reason: "other", reconnect: true,
				delayMin: reconnectMin, delayMax: reconnectMax},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyClose(tt.derr))
		})
	}
}
