package wa

import "fmt"

// Close status codes surfaced by the protocol. Mirrors the upstream
// library's disconnect reasons.
const (
	CodeConnectionClosed   = 428
	CodeConnectionLost     = 408
	CodeConnectionReplaced = 440
	CodeTimedOut           = 408
	CodeLoggedOut          = 401
	CodeForbidden          = 403
	CodeBadSession         = 500
	CodeRestartRequired    = 515
	CodeUnavailableService = 503
	CodeMethodNotAllowed   = 405
	CodeRateOverLimit      = 429
)

// DisconnectError carries the structured close reason of a socket.
type DisconnectError struct {
	StatusCode int
	Message    string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("connection closed (status %d): %s", e.StatusCode, e.Message)
}
