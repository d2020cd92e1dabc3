// Package reporting summarises payment attempts over a time window.
package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/store"
)

// Source is the part of store.TransactionStore the reporter reads.
type Source interface {
	ListAttempts(ctx context.Context, from, to time.Time) ([]store.Attempt, error)
	ListConflicts(ctx context.Context) ([]store.Conflict, error)
}

// ProviderStats counts attempts routed to one provider.
type ProviderStats struct {
	Attempts   int `json:"attempts"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// RetrospectiveReport summarises the attempts created in [DateFrom, DateTo).
type RetrospectiveReport struct {
	DateFrom           time.Time `json:"dateFrom"`
	DateTo             time.Time `json:"dateTo"`
	TotalAttempts      int       `json:"totalAttempts"`
	Bookings           int       `json:"bookings"`
	SuccessfulPayments int       `json:"successfulPayments"`
	FailedPayments     int       `json:"failedPayments"`
	CancelledPayments  int       `json:"cancelledPayments"`
	PendingPayments    int       `json:"pendingPayments"`
	// RetriedBookings counts bookings that needed more than one attempt.
	RetriedBookings  int                        `json:"retriedBookings"`
	AmountByCurrency map[string]decimal.Decimal `json:"amountByCurrency"`
	FailureReasons   map[string]int             `json:"failureReasons"`
	ProviderUsage    map[string]ProviderStats   `json:"providerUsage"`
	// Conflicts counts recorded conflicts whose transaction falls in the window.
	Conflicts int `json:"conflicts"`
}

// RetrospectiveReporter builds reports from a Source.
type RetrospectiveReporter struct {
	source Source
}

// NewRetrospectiveReporter creates a new RetrospectiveReporter.
func NewRetrospectiveReporter(source Source) *RetrospectiveReporter {
	return &RetrospectiveReporter{source: source}
}

// GenerateRetrospective reports on attempts created in [from, to). A zero bound is open.
func (rr *RetrospectiveReporter) GenerateRetrospective(ctx context.Context, from, to time.Time) (*RetrospectiveReport, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, errors.New("reporting: from must be before to")
	}
	attempts, err := rr.source.ListAttempts(ctx, from, to)
	if err != nil {
		return nil, err
	}
	conflicts, err := rr.source.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	report := Summarize(attempts, conflicts)
	report.DateFrom, report.DateTo = from, to
	return report, nil
}

// Summarize aggregates attempts. Only conflicts on one of the attempts are counted.
func Summarize(attempts []store.Attempt, conflicts []store.Conflict) *RetrospectiveReport {
	report := &RetrospectiveReport{
		AmountByCurrency: make(map[string]decimal.Decimal),
		FailureReasons:   make(map[string]int),
		ProviderUsage:    make(map[string]ProviderStats),
	}

	perBooking := make(map[string]int)
	transactions := make(map[string]struct{})
	for _, a := range attempts {
		report.TotalAttempts++
		perBooking[a.BookingReference]++
		if a.TransactionID != "" {
			transactions[a.TransactionID] = struct{}{}
		}

		var stats ProviderStats
		if a.Provider != "" {
			stats = report.ProviderUsage[a.Provider]
			stats.Attempts++
		}

		switch a.Status {
		case adapter.StatusSuccess:
			report.SuccessfulPayments++
			stats.Successful++
			report.AmountByCurrency[a.Currency] = report.AmountByCurrency[a.Currency].Add(a.Amount)
		case adapter.StatusFailed:
			report.FailedPayments++
			stats.Failed++
			reason := a.FailureReason
			if reason == "" {
				reason = "unknown"
			}
			report.FailureReasons[reason]++
		case adapter.StatusCancelled:
			report.CancelledPayments++
		case adapter.StatusPending:
			report.PendingPayments++
		}

		if a.Provider != "" {
			report.ProviderUsage[a.Provider] = stats
		}
	}

	report.Bookings = len(perBooking)
	for _, n := range perBooking {
		if n > 1 {
			report.RetriedBookings++
		}
	}
	for _, c := range conflicts {
		if _, ok := transactions[c.TransactionID]; ok {
			report.Conflicts++
		}
	}
	return report
}

// SuccessRate is successful over settled attempts, or zero when none settled.
func (r *RetrospectiveReport) SuccessRate() float64 {
	settled := r.SuccessfulPayments + r.FailedPayments + r.CancelledPayments
	if settled == 0 {
		return 0
	}
	return float64(r.SuccessfulPayments) / float64(settled)
}
