package supervisor

import (
	"strings"
	"time"

	"github.com/kirimkit/kirimkit/internal/wa"
)

// closeAction is the supervisor's decision for one socket close.
type closeAction struct {
	reason      string // metrics label and log tag
	reconnect   bool
	wipeSession bool
	rateLimit   bool // pause supervisor + PAUSED_RATE_LIMIT broadcasts
	countLoss   bool // increments the connection-failure counter
	delayMin    time.Duration
	delayMax    time.Duration
}

// Default and rate-limit reconnect windows.
const (
	reconnectMin = 3 * time.Second
	reconnectMax = 10 * time.Second
	rateLimitMin = 25 * time.Second
	rateLimitMax = 45 * time.Second
)

var rateLimitPhrases = []string{"rate-overlimit", "too many", "spam", "blocked", "banned"}

// classifyClose maps a disconnect to an action. Rules are mutually
// exclusive; first match wins.
func classifyClose(derr *wa.DisconnectError) closeAction {
	code := 0
	msg := ""
	if derr != nil {
		code = derr.StatusCode
		msg = strings.ToLower(derr.Message)
	}

	// 1. Stream restart: the server asks for a fresh socket.
	if code == wa.CodeRestartRequired {
		return closeAction{reason: "stream_restart", reconnect: true,
			delayMin: 2 * time.Second, delayMax: 2 * time.Second}
	}

	// 2. Transient stream breakage.
	if strings.Contains(msg, "stream errored") || strings.Contains(msg, "handshake failure") {
		return closeAction{reason: "stream_error", reconnect: true,
			delayMin: reconnectMin, delayMax: reconnectMax}
	}

	// 3. Explicit logout: credentials are dead, re-pair from scratch.
	if strings.Contains(msg, "logged out") {
		return closeAction{reason: "logged_out", reconnect: true, wipeSession: true,
			delayMin: reconnectMin, delayMax: reconnectMax}
	}

	// 4. Terminal auth errors.
	if code == wa.CodeLoggedOut || code == wa.CodeForbidden || code == wa.CodeConnectionReplaced ||
		strings.Contains(msg, "bad session") || strings.Contains(msg, "qr refs over limit") {
		return closeAction{reason: "bad_session", reconnect: true, wipeSession: true,
			delayMin: reconnectMin, delayMax: reconnectMax}
	}

	// 5. Rate-limit signals get the long backoff and pause broadcasts.
	if code == wa.CodeMethodNotAllowed || code == wa.CodeRateOverLimit || code == wa.CodeUnavailableService ||
		containsAny(msg, rateLimitPhrases) {
		return closeAction{reason: "rate_limit", reconnect: true, rateLimit: true,
			delayMin: rateLimitMin, delayMax: rateLimitMax}
	}

	// 6. Connection lost; repeated losses end in a fresh start.
	if code == wa.CodeConnectionLost || strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "timed out") {
		return closeAction{reason: "connection_lost", reconnect: true, countLoss: true,
			delayMin: reconnectMin, delayMax: reconnectMax}
	}

	// 7. Anything else: keep the session and retry.
	return closeAction{reason: "other", reconnect: true,
		delayMin: reconnectMin, delayMax: reconnectMax}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
