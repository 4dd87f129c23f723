package broadcast

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/kirimkit/kirimkit/internal/engine/store"
	"github.com/kirimkit/kirimkit/internal/engine/trust"
)

// linkPattern matches URL-ish content: schemes, bare www, and the
// shorteners most often flagged by the upstream anti-abuse AI.
var linkPattern = regexp.MustCompile(`(?i)(https?://|www\.|bit\.ly|tinyurl\.com|t\.co|goo\.gl|s\.id|cutt\.ly|rebrand\.ly)`)

// scanLinks inspects the campaign body for links on the PENDING to
// RUNNING transition. Young accounts sending links are the highest-risk
// pattern, so NEWBORN and INFANT get a loud warning. Never blocks.
func (p *Processor) scanLinks(ctx context.Context, b *store.Broadcast, tier trust.Profile) {
	match := linkPattern.FindString(b.Message)
	if match == "" {
		return
	}

	if tier.Tier <= trust.Infant {
		slog.Warn("broadcast: campaign contains links on a young account",
			"broadcast_id", b.ID, "instance_id", p.sup.ID,
			"tier", tier.Tier.String(), "match", match)
		p.log(ctx, b.ID, actionLinkWarning, "link detected on "+tier.Tier.String()+" account: "+match)
		return
	}

	slog.Info("broadcast: campaign contains links", "broadcast_id", b.ID, "match", match)
	p.log(ctx, b.ID, actionLinkWarning, "link detected: "+match)
}
