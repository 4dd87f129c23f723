package wa

// Fingerprint is the browser triple presented during the handshake:
// OS, browser, release.
type Fingerprint [3]string

// fingerprints is a fixed pool of realistic browser identities. One is
// chosen at random per dial so a reconnect storm does not present a
// single synthetic fingerprint.
var fingerprints = []Fingerprint{
	{"Mac OS", "Chrome", "131.0.6778.86"},
	{"Mac OS", "Safari", "17.6"},
	{"Mac OS", "Firefox", "133.0"},
	{"Windows", "Chrome", "131.0.6778.86"},
	{"Windows", "Edge", "131.0.2903.70"},
	{"Windows", "Firefox", "133.0"},
	{"Linux", "Chrome", "130.0.6723.117"},
	{"Linux", "Firefox", "132.0"},
	{"Ubuntu", "Chrome", "129.0.6668.100"},
	{"Mac OS", "Chrome", "129.0.6668.90"},
}

// PickFingerprint returns one fingerprint from the pool.
func PickFingerprint(intn func(int) int) Fingerprint {
	return fingerprints[intn(len(fingerprints))]
}
