package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
)

// Auditor pulls income history from every configured venue so operator
// books can be reconciled against venue-side funding and settlement.
type Auditor struct {
	exchanges map[string]domain.Exchange
	log       *zap.Logger
}

func NewAuditor(exchanges map[string]domain.Exchange, log *zap.Logger) *Auditor {
	return &Auditor{exchanges: exchanges, log: log}
}

// Reports fetches one AuditReport per venue for the window. A venue that
// fails is logged and skipped so one broken API does not hide the rest.
func (a *Auditor) Reports(ctx context.Context, start, end time.Time) []*domain.AuditReport {
	venues := make([]string, 0, len(a.exchanges))
	for venue := range a.exchanges {
		venues = append(venues, venue)
	}
	sort.Strings(venues)

	var reports []*domain.AuditReport
	for _, venue := range venues {
		report, err := a.exchanges[venue].FetchIncome(ctx, start, end)
		if err != nil {
			a.log.Error("income fetch failed", zap.String("venue", venue), zap.Error(err))
			continue
		}
		reports = append(reports, report)
	}
	return reports
}

// FormatReport renders a report for terminal output.
func FormatReport(r *domain.AuditReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s income %s .. %s\n", r.Venue,
		r.Start.UTC().Format("2006-01-02"), r.End.UTC().Format("2006-01-02"))
	fmt.Fprintf(&b, "  funding total:    %+.4f USD\n", r.FundingTotal)
	for _, symbol := range sortedKeys(r.FundingBySymbol) {
		fmt.Fprintf(&b, "    %-12s %+.4f\n", symbol, r.FundingBySymbol[symbol])
	}
	fmt.Fprintf(&b, "  settlement total: %+.4f USD\n", r.SettlementTotal)
	for _, source := range sortedKeys(r.SettlementBySource) {
		fmt.Fprintf(&b, "    %-12s %+.4f\n", source, r.SettlementBySource[source])
	}
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
