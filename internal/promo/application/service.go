package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlm-ledger/internal/observability/metrics"
	promo "mlm-ledger/internal/promo/domain"
)

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

// WithClock sets the clock used for expiry checks.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Service is the promo usage counter.
type Service struct {
	repo   promo.Repository
	clock  Clock
	logger *log.Logger
}

// NewService constructs the promo service.
func NewService(repo promo.Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("promo service: nil repository")
	}
	s := &Service{repo: repo, clock: systemClock{}, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create stores a new code.
func (s *Service) Create(ctx context.Context, code promo.PromoCode) (promo.PromoCode, error) {
	code.Code = promo.NormalizeCode(code.Code)
	if err := code.Validate(); err != nil {
		return promo.PromoCode{}, err
	}
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = s.clock.Now()
	}
	return s.repo.Create(ctx, code)
}

// Validate answers whether userID may redeem code on an order of subtotal. It never mutates.
func (s *Service) Validate(ctx context.Context, code, userID string, subtotal decimal.Decimal) (promo.Validation, error) {
	found, err := s.repo.GetByCode(ctx, promo.NormalizeCode(code))
	if err != nil {
		return promo.Validation{}, err
	}
	if found == nil {
		return promo.Rejected(promo.ReasonNotFound, nil), nil
	}
	if reason := found.Check(s.clock.Now(), subtotal); reason != promo.ReasonOK {
		return promo.Rejected(reason, found), nil
	}
	if found.OnePerUser && strings.TrimSpace(userID) != "" {
		used, err := s.repo.HasUserUsage(ctx, userID, found.ID)
		if err != nil {
			return promo.Validation{}, err
		}
		if used {
			return promo.Rejected(promo.ReasonAlreadyUsedByUser, found), nil
		}
	}
	return promo.Validation{Valid: true, Reason: promo.ReasonOK, Code: found, Discount: found.Discount(subtotal)}, nil
}

// TryIncrement consumes one use of a code if the cap allows it.
func (s *Service) TryIncrement(ctx context.Context, codeID string) (bool, error) {
	return s.repo.TryIncrement(ctx, codeID)
}

// Decrement returns one use of a code; the counter floors at zero.
func (s *Service) Decrement(ctx context.Context, codeID string) error {
	return s.repo.Decrement(ctx, codeID)
}

// ApplyToOrder redeems a code for an order. The increment and the usage row commit
// together or not at all.
func (s *Service) ApplyToOrder(ctx context.Context, userID, orderID, codeID string, discount decimal.Decimal) (promo.Usage, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(orderID) == "" || strings.TrimSpace(codeID) == "" {
		return promo.Usage{}, fmt.Errorf("%w: user, order and code are required", promo.ErrInvalidCode)
	}
	if discount.IsNegative() {
		return promo.Usage{}, fmt.Errorf("%w: negative discount", promo.ErrInvalidCode)
	}
	code, err := s.repo.GetByID(ctx, codeID)
	if err != nil {
		metrics.IncPromoApply("error")
		return promo.Usage{}, err
	}
	if code == nil {
		metrics.IncPromoApply(string(promo.ReasonNotFound))
		return promo.Usage{}, fmt.Errorf("%w: %s", promo.ErrNotFound, codeID)
	}

	usage, err := s.repo.Apply(ctx, promo.ApplyRequest{
		UserID:      userID,
		OrderID:     orderID,
		PromoCodeID: codeID,
		DiscountRub: discount.Round(2),
		OnePerUser:  code.OnePerUser,
	})
	if err != nil {
		metrics.IncPromoApply(outcomeOf(err))
		if _, business := promo.ReasonOf(err); !business && !errors.Is(err, promo.ErrOrderAlreadyHasUsage) {
			s.logger.Printf("promo apply: user=%s order=%s code=%s err=%v", userID, orderID, codeID, err)
		}
		return promo.Usage{}, err
	}
	metrics.IncPromoApply(string(promo.ReasonOK))
	return usage, nil
}

// CancelUsage undoes an order's redemption. It is a no-op when the order has none.
func (s *Service) CancelUsage(ctx context.Context, orderID string) (bool, error) {
	if strings.TrimSpace(orderID) == "" {
		return false, fmt.Errorf("%w: empty order id", promo.ErrInvalidCode)
	}
	usage, err := s.repo.CancelByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if usage == nil {
		return false, nil
	}
	s.logger.Printf("promo cancel: order=%s code=%s user=%s", orderID, usage.PromoCodeID, usage.UserID)
	return true, nil
}

// GetByCode returns a code by its string or ErrNotFound.
func (s *Service) GetByCode(ctx context.Context, code string) (*promo.PromoCode, error) {
	found, err := s.repo.GetByCode(ctx, promo.NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", promo.ErrNotFound, code)
	}
	return found, nil
}

func outcomeOf(err error) string {
	if reason, ok := promo.ReasonOf(err); ok {
		return string(reason)
	}
	if errors.Is(err, promo.ErrOrderAlreadyHasUsage) {
		return "order_already_has_usage"
	}
	return "error"
}
