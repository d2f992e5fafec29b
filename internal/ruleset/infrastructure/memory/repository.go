package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	ruleset "mlm-ledger/internal/ruleset/domain"
)

// Repository is an in-memory rule set repository.
type Repository struct {
	mu       sync.Mutex
	versions []ruleset.RuleSet
	active   int
	failWith error
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{active: -1}
}

// FailWith makes every call return err until cleared with nil.
func (r *Repository) FailWith(err error) {
	r.mu.Lock()
	r.failWith = err
	r.mu.Unlock()
}

// LoadActive returns the active rule set or nil.
func (r *Repository) LoadActive(ctx context.Context) (*ruleset.RuleSet, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	if r.active < 0 {
		return nil, nil
	}
	rs := r.versions[r.active].Clone()
	return &rs, nil
}

// Activate stores rs as the next version and flags it active.
func (r *Repository) Activate(ctx context.Context, rs ruleset.RuleSet) (ruleset.RuleSet, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return ruleset.RuleSet{}, r.failWith
	}
	now := time.Now().UTC()
	rs = rs.Clone()
	rs.ID = uuid.NewString()
	rs.Version = len(r.versions) + 1
	rs.CreatedAt = now
	rs.ActivatedAt = now
	r.versions = append(r.versions, rs)
	r.active = len(r.versions) - 1
	return rs.Clone(), nil
}

// List returns all versions in ascending order.
func (r *Repository) List(ctx context.Context) ([]ruleset.RuleSet, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	result := make([]ruleset.RuleSet, 0, len(r.versions))
	for _, rs := range r.versions {
		result = append(result, rs.Clone())
	}
	return result, nil
}
