// Package trust classifies an instance into a maturity tier that
// drives every pacing parameter of the anti-ban pipeline.
package trust

import "time"

// Tier is the maturity class of an instance.
type Tier int

const (
	Newborn Tier = iota
	Infant
	Adolescent
	Mature
	Veteran
)

func (t Tier) String() string {
	switch t {
	case Newborn:
		return "NEWBORN"
	case Infant:
		return "INFANT"
	case Adolescent:
		return "ADOLESCENT"
	case Mature:
		return "MATURE"
	case Veteran:
		return "VETERAN"
	}
	return "UNKNOWN"
}

// Profile holds the pacing parameters attached to a tier.
type Profile struct {
	Tier             Tier
	BatchSize        int
	CooldownMin      time.Duration
	CooldownMax      time.Duration
	DelayMultiplier  float64
	DailySoftCap     int // 0 = use the campaign's own dailyLimit
	TypingMultiplier float64
	PreVerify        bool
	ActivityChance   float64 // probability of injecting random activity per send
	CircuitThreshold int     // consecutive failures before the breaker trips
}

var profiles = map[Tier]Profile{
	Newborn:    {Newborn, 3, 5 * time.Minute, 10 * time.Minute, 3.0, 25, 2.0, true, 0.60, 2},
	Infant:     {Infant, 5, 4 * time.Minute, 8 * time.Minute, 2.0, 50, 1.5, true, 0.40, 3},
	Adolescent: {Adolescent, 8, 3 * time.Minute, 6 * time.Minute, 1.5, 100, 1.2, true, 0.25, 3},
	Mature:     {Mature, 12, 2 * time.Minute, 5 * time.Minute, 1.0, 0, 1.0, false, 0.15, 4},
	Veteran:    {Veteran, 15, 2 * time.Minute, 5 * time.Minute, 1.0, 0, 1.0, false, 0.10, 5},
}

// Classify maps account age and current session age to a tier profile.
// A zero createdAt is treated as a zero-day account. Sessions younger
// than one hour on accounts younger than seven days are forced to
// NEWBORN regardless of exact age: a fresh pairing is the riskiest
// moment for the upstream anti-abuse AI.
func Classify(createdAt, sessionStart, now time.Time) Profile {
	ageDays := 0
	if !createdAt.IsZero() {
		ageDays = int(now.Sub(createdAt).Hours() / 24)
	}

	if !sessionStart.IsZero() && now.Sub(sessionStart) < time.Hour && ageDays < 7 {
		return profiles[Newborn]
	}

	switch {
	case ageDays < 3:
		return profiles[Newborn]
	case ageDays < 7:
		return profiles[Infant]
	case ageDays < 14:
		return profiles[Adolescent]
	case ageDays < 30:
		return profiles[Mature]
	default:
		return profiles[Veteran]
	}
}

// ClampDailyLimit applies the tier's soft cap to a campaign's daily
// limit. A non-zero cap clamps the limit downward; a zero cap leaves
// the campaign's own limit in force. Zero means unlimited in both.
func (p Profile) ClampDailyLimit(campaignLimit int) int {
	if p.DailySoftCap == 0 {
		return campaignLimit
	}
	if campaignLimit == 0 || campaignLimit > p.DailySoftCap {
		return p.DailySoftCap
	}
	return campaignLimit
}
