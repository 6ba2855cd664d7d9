// Package reconciliation checks freelancer wallets against the ledger they
// are derived from.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/ledger"
)

// WalletSource returns every wallet with its ledger sums.
type WalletSource interface {
	WalletTotals(ctx context.Context) ([]*ledger.WalletTotals, error)
}

// Field names the wallet column that drifted.
type Field string

const (
	FieldBalance     Field = "balance"
	FieldTotalEarned Field = "total_earned"
)

// Mismatch is one wallet column that disagrees with the ledger.
type Mismatch struct {
	FreelancerID string `json:"freelancerId"`
	Field        Field  `json:"field"`
	Wallet       string `json:"wallet"`
	Ledger       string `json:"ledger"`
	Diff         string `json:"diff"`
}

// Report is the outcome of one run.
type Report struct {
	Healthy        bool        `json:"healthy"`
	WalletsChecked int         `json:"walletsChecked"`
	Mismatches     []*Mismatch `json:"mismatches"`
	RanAt          time.Time   `json:"ranAt"`
	DurationMs     int64       `json:"durationMs"`
}

// Service performs reconciliation between wallets and ledger entries.
type Service struct {
	source    WalletSource
	tolerance decimal.Decimal
	logger    *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service. Any difference is a mismatch
// until a tolerance is set.
func NewService(source WalletSource, logger *slog.Logger) *Service {
	return &Service{
		source:    source,
		tolerance: decimal.Zero,
		logger:    logger,
	}
}

// SetTolerance sets the absolute difference still treated as a match.
func (s *Service) SetTolerance(amount string) error {
	d, err := decimal.NewFromString(amount)
	if err != nil || d.IsNegative() {
		return fmt.Errorf("invalid tolerance %q", amount)
	}
	s.tolerance = d
	return nil
}

// Run compares each wallet's balance with the sum of its entries and its
// total_earned with the sum of its earnings.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	totals, err := s.source.WalletTotals(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to load wallet totals: %w", err)
	}

	report := &Report{
		WalletsChecked: len(totals),
		Mismatches:     []*Mismatch{},
		RanAt:          start.UTC(),
	}
	for _, t := range totals {
		if m := s.compare(t.FreelancerID, FieldBalance, t.Balance, t.LedgerSum); m != nil {
			report.Mismatches = append(report.Mismatches, m)
		}
		if m := s.compare(t.FreelancerID, FieldTotalEarned, t.TotalEarned, t.EarningSum); m != nil {
			report.Mismatches = append(report.Mismatches, m)
		}
	}
	report.Healthy = len(report.Mismatches) == 0

	elapsed := time.Since(start)
	report.DurationMs = elapsed.Milliseconds()
	reconcileDuration.Observe(elapsed.Seconds())
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileWalletsChecked.Set(float64(report.WalletsChecked))

	for _, m := range report.Mismatches {
		s.logger.Error("ledger mismatch",
			"freelancer", m.FreelancerID, "field", m.Field,
			"wallet", m.Wallet, "ledger", m.Ledger, "diff", m.Diff)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

func (s *Service) compare(freelancerID string, field Field, wallet, sum decimal.Decimal) *Mismatch {
	diff := wallet.Sub(sum)
	if diff.Abs().LessThanOrEqual(s.tolerance) {
		return nil
	}
	return &Mismatch{
		FreelancerID: freelancerID,
		Field:        field,
		Wallet:       wallet.StringFixed(2),
		Ledger:       sum.StringFixed(2),
		Diff:         diff.StringFixed(2),
	}
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
