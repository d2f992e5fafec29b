package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	promo "mlm-ledger/internal/promo/domain"
)

// Repository is an in-memory promo store. One mutex serializes every mutation,
// which gives TryIncrement the same compare-and-swap behavior as the SQL update.
type Repository struct {
	mu     sync.Mutex
	codes  map[string]*promo.PromoCode
	byCode map[string]string
	usages map[string]promo.Usage
	now    func() time.Time
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{
		codes:  make(map[string]*promo.PromoCode),
		byCode: make(map[string]string),
		usages: make(map[string]promo.Usage),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a code.
func (r *Repository) Create(ctx context.Context, code promo.PromoCode) (promo.PromoCode, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCode[code.Code]; ok {
		return promo.PromoCode{}, fmt.Errorf("%w: %s", promo.ErrDuplicateCode, code.Code)
	}
	stored := code
	r.codes[code.ID] = &stored
	r.byCode[code.Code] = code.ID
	return stored, nil
}

// GetByID returns a copy of the code or nil.
func (r *Repository) GetByID(ctx context.Context, id string) (*promo.PromoCode, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[id]
	if !ok {
		return nil, nil
	}
	copied := *code
	return &copied, nil
}

// GetByCode returns a copy of the code or nil.
func (r *Repository) GetByCode(ctx context.Context, code string) (*promo.PromoCode, error) {
	r.mu.Lock()
	id, ok := r.byCode[code]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

// TryIncrement implements promo.Repository.
func (r *Repository) TryIncrement(ctx context.Context, id string) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", promo.ErrNotFound, id)
	}
	if code.Exhausted() {
		return false, nil
	}
	code.CurrentUses++
	return true, nil
}

// Decrement implements promo.Repository.
func (r *Repository) Decrement(ctx context.Context, id string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[id]
	if !ok {
		return fmt.Errorf("%w: %s", promo.ErrNotFound, id)
	}
	if code.CurrentUses > 0 {
		code.CurrentUses--
	}
	return nil
}

// HasUserUsage implements promo.Repository.
func (r *Repository) HasUserUsage(ctx context.Context, userID, codeID string) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasUserUsage(userID, codeID), nil
}

// UsageByOrder implements promo.Repository.
func (r *Repository) UsageByOrder(ctx context.Context, orderID string) (*promo.Usage, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	usage, ok := r.usages[orderID]
	if !ok {
		return nil, nil
	}
	return &usage, nil
}

// Apply implements promo.Repository.
func (r *Repository) Apply(ctx context.Context, req promo.ApplyRequest) (promo.Usage, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[req.PromoCodeID]
	if !ok {
		return promo.Usage{}, fmt.Errorf("%w: %s", promo.ErrNotFound, req.PromoCodeID)
	}
	if code.Exhausted() {
		return promo.Usage{}, promo.ErrUsageLimitReached
	}
	if req.OnePerUser && r.hasUserUsage(req.UserID, req.PromoCodeID) {
		return promo.Usage{}, promo.ErrAlreadyUsedByUser
	}
	if _, exists := r.usages[req.OrderID]; exists {
		return promo.Usage{}, fmt.Errorf("%w: %s", promo.ErrOrderAlreadyHasUsage, req.OrderID)
	}
	usage := promo.Usage{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		OrderID:     req.OrderID,
		PromoCodeID: req.PromoCodeID,
		DiscountRub: req.DiscountRub,
		CreatedAt:   r.now(),
	}
	code.CurrentUses++
	r.usages[req.OrderID] = usage
	return usage, nil
}

// CancelByOrder implements promo.Repository.
func (r *Repository) CancelByOrder(ctx context.Context, orderID string) (*promo.Usage, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	usage, ok := r.usages[orderID]
	if !ok {
		return nil, nil
	}
	delete(r.usages, orderID)
	if code, ok := r.codes[usage.PromoCodeID]; ok && code.CurrentUses > 0 {
		code.CurrentUses--
	}
	return &usage, nil
}

func (r *Repository) hasUserUsage(userID, codeID string) bool {
	for _, usage := range r.usages {
		if usage.UserID == userID && usage.PromoCodeID == codeID {
			return true
		}
	}
	return false
}
