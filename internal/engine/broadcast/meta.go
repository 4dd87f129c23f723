package broadcast

import (
	"encoding/json"

	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/trust"
	"github.com/kirimkit/kirimkit/internal/util/timefmt"
)

// antiBannedMeta is the pacing audit record persisted with each SENT
// message. The dashboard renders it verbatim; field names are part of
// the shared contract.
type antiBannedMeta struct {
	SpintaxVariant  string  `json:"spintaxVariant"`
	ZWToken         string  `json:"zwToken"`
	TypingMS        int64   `json:"typingMs"`
	DelayMS         int64   `json:"delayMs"`
	BatchIndex      int     `json:"batchIndex"`
	DailyIndex      int     `json:"dailyIndex"`
	MemoryMB        int     `json:"memoryMb"`
	Timestamp       string  `json:"timestamp"`
	HasMedia        bool    `json:"hasMedia"`
	InstanceID      string  `json:"instanceId"`
	TurboMode       bool    `json:"turboMode"`
	TrustTier       string  `json:"trustTier"`
	AccountAgeDays  int     `json:"accountAgeDays"`
	DelayMultiplier float64 `json:"delayMultiplier"`
	FailsBeforeSend int     `json:"failsBeforeSend"`
	TotalSession    int     `json:"totalSentSession"`
}

type metaInputs struct {
	variant     string
	zwToken     string
	typingMS    int64
	delayMS     int64
	batchIdx    int
	failsBefore int
}

func (p *Processor) buildMeta(b *store.Broadcast, tier trust.Profile, in metaInputs) string {
	now := p.deps.Now()
	memMB := 0
	if p.deps.Guard != nil {
		memMB = p.deps.Guard.UsageMB()
	}
	ageDays := 0
	if !p.sup.CreatedAt().IsZero() {
		ageDays = int(now.Sub(p.sup.CreatedAt()).Hours() / 24)
	}

	meta := antiBannedMeta{
		SpintaxVariant:  truncate(in.variant, 200),
		ZWToken:         in.zwToken,
		TypingMS:        in.typingMS,
		DelayMS:         in.delayMS,
		BatchIndex:      in.batchIdx,
		DailyIndex:      p.sup.DailyCount(now),
		MemoryMB:        memMB,
		Timestamp:       timefmt.Format(now),
		HasMedia:        b.ImageURL != "",
		InstanceID:      p.sup.ID,
		TurboMode:       b.IsTurboMode,
		TrustTier:       tier.Tier.String(),
		AccountAgeDays:  ageDays,
		DelayMultiplier: tier.DelayMultiplier,
		FailsBeforeSend: in.failsBefore,
		TotalSession:    p.sup.TotalSentSession(),
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
