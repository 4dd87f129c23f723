package wa

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mdp/qrterminal/v3"
)

// RenderQR renders a pairing payload as a half-block terminal QR code.
// Logged at debug level so operators without the dashboard can pair
// straight from the engine's stderr.
func RenderQR(payload string) string {
	var b strings.Builder
	qrterminal.GenerateHalfBlock(payload, qrterminal.L, &b)
	return b.String()
}

// LogQR writes the rendered QR to the debug log for an instance.
func LogQR(instanceID, payload string) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	slog.Debug("pairing QR ready\n"+RenderQR(payload), "instance_id", instanceID)
}
