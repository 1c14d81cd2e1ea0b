package ops

import (
	"time"

	"github.com/marketmind/marketmind-gateway/broker"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

// OverviewData is the ops overview payload.
type OverviewData struct {
	Version     string                   `json:"version"`
	Uptime      string                   `json:"uptime"`
	Feed        ticker.Status            `json:"feed"`
	Credentials broker.CredentialSummary `json:"credentials"`
	Instruments int                      `json:"instruments"`
}

func (h *Handler) buildOverview(now time.Time) OverviewData {
	return OverviewData{
		Version:     h.version,
		Uptime:      now.Sub(h.startTime).Truncate(time.Second).String(),
		Feed:        h.manager.TickerService().Status(),
		Credentials: h.manager.CredentialStore().Summary(now),
		Instruments: h.manager.Instruments().Count(),
	}
}
