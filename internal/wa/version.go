package wa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// fallbackVersion is used when the update endpoint is unreachable.
// Stale versions are tolerated by the upstream for several weeks.
var fallbackVersion = [3]int{2, 3000, 1023223821}

const versionURL = "https://web.whatsapp.com/check-update?version=2.3000.0&platform=web"

// FetchLatestVersion asks the upstream update endpoint for the current
// web client version. Falls back to a pinned version on any error.
func FetchLatestVersion(ctx context.Context) [3]int {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return fallbackVersion
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fallbackVersion
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fallbackVersion
	}

	var body struct {
		CurrentVersion string `json:"currentVersion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fallbackVersion
	}

	var v [3]int
	if _, err := fmt.Sscanf(body.CurrentVersion, "%d.%d.%d", &v[0], &v[1], &v[2]); err != nil {
		return fallbackVersion
	}
	return v
}
