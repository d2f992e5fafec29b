package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	diagnostics "mlm-ledger/internal/diagnostics/domain"
	"mlm-ledger/internal/observability/metrics"
	rulesetapp "mlm-ledger/internal/ruleset/application"
	settlement "mlm-ledger/internal/settlement/domain"
)

const (
	referralReportKey = "diagnostics:referrals"

	kindReferrals = "referrals"
	kindIntegrity = "integrity"
)

// UserSource lists every user of the referral forest.
type UserSource interface {
	Users(ctx context.Context) ([]settlement.User, error)
}

// OrderSource lists delivered orders with positive cashback delivered before cutoff.
type OrderSource interface {
	DeliveredWithCashback(ctx context.Context, cutoff time.Time) ([]settlement.Order, error)
}

// OperationChecker answers whether the ledger holds an operation.
type OperationChecker interface {
	HasOperation(ctx context.Context, operationID string) (bool, error)
}

// Cache stores serialized reports with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCacheTTL sets how long a referral report is served from cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIntegrityGrace sets how old a delivery must be before a missing accrual is flagged.
func WithIntegrityGrace(grace time.Duration) Option {
	return func(s *Service) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// Service runs read-only referral and settlement diagnostics. Failures degrade to
// unknown reports and are never returned as errors.
type Service struct {
	users  UserSource
	orders OrderSource
	ledger OperationChecker
	cache  Cache
	clock  Clock
	ttl    time.Duration
	grace  time.Duration
	logger *log.Logger
}

// NewService constructs the diagnostics service. cache may be nil.
func NewService(users UserSource, orders OrderSource, ledger OperationChecker, cache Cache, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, errors.New("diagnostics service: nil user source")
	}
	if orders == nil {
		return nil, errors.New("diagnostics service: nil order source")
	}
	if ledger == nil {
		return nil, errors.New("diagnostics service: nil ledger")
	}
	s := &Service{
		users:  users,
		orders: orders,
		ledger: ledger,
		cache:  cache,
		clock:  systemClock{},
		ttl:    5 * time.Minute,
		grace:  24 * time.Hour,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AnalyzeReferralSystem returns the referral health report, served from cache while fresh.
func (s *Service) AnalyzeReferralSystem(ctx context.Context) diagnostics.Report {
	if cached, ok := s.cachedReport(ctx); ok {
		return cached
	}

	now := s.clock.Now()
	users, err := s.users.Users(ctx)
	if err != nil {
		s.logger.Printf("diagnostics referrals: err=%v", err)
		metrics.IncDiagnosticsRun(kindReferrals, metrics.ResultError)
		return diagnostics.Unknown(now, err)
	}
	nodes := make([]diagnostics.Node, 0, len(users))
	for _, user := range users {
		nodes = append(nodes, diagnostics.Node{
			ID:                  user.ID,
			ReferralCode:        user.ReferralCode,
			AppliedReferralCode: user.AppliedReferralCode,
			IsActive:            user.IsActive,
		})
	}
	report := diagnostics.Analyze(nodes, now)
	metrics.IncDiagnosticsRun(kindReferrals, metrics.ResultSuccess)
	metrics.SetHealthScore(report.Score)
	s.storeReport(ctx, report)
	return report
}

// ValidateBonusIntegrity flags delivered orders with cashback that have no accrual in
// the ledger once the grace period has passed. It never writes.
func (s *Service) ValidateBonusIntegrity(ctx context.Context) diagnostics.IntegrityReport {
	now := s.clock.Now()
	report := diagnostics.IntegrityReport{GeneratedAt: now, Cutoff: now.Add(-s.grace), Missing: []diagnostics.MissingAccrual{}}

	orders, err := s.orders.DeliveredWithCashback(ctx, report.Cutoff)
	if err != nil {
		return s.integrityFailed(report, err)
	}
	for _, order := range orders {
		if order.Cashback == nil || !order.Cashback.IsPositive() || !order.DeliveredAt.Before(report.Cutoff) {
			continue
		}
		report.Checked++
		ok, err := s.ledger.HasOperation(ctx, settlement.AccrualOperationID(order.ID))
		if err != nil {
			return s.integrityFailed(report, err)
		}
		if !ok {
			report.Missing = append(report.Missing, diagnostics.MissingAccrual{
				OrderID:     order.ID,
				UserID:      order.UserID,
				Cashback:    *order.Cashback,
				DeliveredAt: order.DeliveredAt,
			})
		}
	}

	report.Status = diagnostics.StatusHealthy
	if len(report.Missing) > 0 {
		report.Status = diagnostics.StatusCritical
		s.logger.Printf("diagnostics integrity: checked=%d missing=%d", report.Checked, len(report.Missing))
	}
	metrics.IncDiagnosticsRun(kindIntegrity, metrics.ResultSuccess)
	return report
}

// Invalidate drops the cached referral report.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, referralReportKey)
}

// HandleRuleSetSwapped invalidates the cache after a rule set swap. The report reads
// only user data, so ledger commits leave it to the TTL.
func (s *Service) HandleRuleSetSwapped(ctx context.Context, event rulesetapp.Swapped) error {
	_ = event
	return s.Invalidate(ctx)
}

func (s *Service) cachedReport(ctx context.Context) (diagnostics.Report, bool) {
	if s.cache == nil {
		return diagnostics.Report{}, false
	}
	data, ok, err := s.cache.Get(ctx, referralReportKey)
	if err != nil {
		s.logger.Printf("diagnostics cache get: err=%v", err)
		return diagnostics.Report{}, false
	}
	if !ok {
		return diagnostics.Report{}, false
	}
	var report diagnostics.Report
	if err := json.Unmarshal(data, &report); err != nil {
		s.logger.Printf("diagnostics cache decode: err=%v", err)
		return diagnostics.Report{}, false
	}
	return report, true
}

func (s *Service) storeReport(ctx context.Context, report diagnostics.Report) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, referralReportKey, data, s.ttl); err != nil {
		s.logger.Printf("diagnostics cache set: err=%v", err)
	}
}

func (s *Service) integrityFailed(report diagnostics.IntegrityReport, err error) diagnostics.IntegrityReport {
	s.logger.Printf("diagnostics integrity: err=%v", err)
	metrics.IncDiagnosticsRun(kindIntegrity, metrics.ResultError)
	report.Checked = 0
	report.Missing = []diagnostics.MissingAccrual{}
	report.Status = diagnostics.StatusUnknown
	report.Error = "settlement data unavailable"
	return report
}
