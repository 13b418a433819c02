package domain

import "time"

// EntryResult is the normalized outcome of a PlaceEntry call, independent
// of the venue's response shape. Success=false implies Errors is non-empty;
// adapters synthesize a message when the venue returned nothing usable.
type EntryResult struct {
	Success      bool
	Venue        string
	Errors       []string
	EntryOrderID string
	SLOrderID    string
	TPOrderID    string
	Extra        map[string]string
}

// CloseResult mirrors EntryResult for close calls.
type CloseResult struct {
	Success      bool
	Venue        string
	Errors       []string
	CloseOrderID string
	Extra        map[string]string
}

// TPSLResult is the outcome of replacing stop-loss / take-profit triggers.
type TPSLResult struct {
	Success   bool
	Venue     string
	Errors    []string
	SLOrderID string
	TPOrderID string
	Extra     map[string]string
}

// AccountSnapshot is the venue-side view used for reconciliation.
type AccountSnapshot struct {
	Venue       string
	Balance     float64
	TotalEquity float64
	TotalMargin float64
	Positions   []*Position
}

// AuditReport aggregates venue income history over a window, keyed by
// category. Reconciliation reporting only; never consulted on the hot path.
type AuditReport struct {
	Venue              string
	Start              time.Time
	End                time.Time
	FundingTotal       float64
	FundingBySymbol    map[string]float64
	SettlementTotal    float64
	SettlementBySource map[string]float64
}

// NewAuditReport returns an empty report with initialized maps.
func NewAuditReport(venue string, start, end time.Time) *AuditReport {
	return &AuditReport{
		Venue:              venue,
		Start:              start,
		End:                end,
		FundingBySymbol:    make(map[string]float64),
		SettlementBySource: make(map[string]float64),
	}
}
