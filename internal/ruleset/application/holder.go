package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"mlm-ledger/internal/eventing"
	"mlm-ledger/internal/observability/metrics"
	ruleset "mlm-ledger/internal/ruleset/domain"
)

// Swapped is dispatched after a new snapshot becomes active.
type Swapped struct {
	Previous *ruleset.RuleSet
	Current  *ruleset.RuleSet
}

// HolderOption configures the holder.
type HolderOption func(*Holder)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) HolderOption {
	return func(h *Holder) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Holder keeps the active rule set as an immutable snapshot behind an atomic pointer.
// Readers never touch the repository; Load, Reload and Publish replace the pointer.
type Holder struct {
	repo     ruleset.Repository
	defaults ruleset.RuleSet
	current  atomic.Pointer[ruleset.RuleSet]
	loadMu   sync.Mutex
	swaps    *eventing.Dispatcher[Swapped]
	logger   *log.Logger
}

// NewHolder constructs a holder. defaults seed the repository when no row is active.
func NewHolder(repo ruleset.Repository, defaults ruleset.RuleSet, opts ...HolderOption) (*Holder, error) {
	if repo == nil {
		return nil, errors.New("ruleset holder: nil repository")
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	h := &Holder{repo: repo, defaults: defaults.Clone(), logger: log.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.swaps = eventing.NewDispatcher[Swapped](h.logger)
	return h, nil
}

// OnSwap registers a subscriber notified synchronously after every swap.
func (h *Holder) OnSwap(sub eventing.Subscriber[Swapped]) {
	h.swaps.Subscribe(sub)
}

// Snapshot returns the active rule set. Callers capture it once per computation.
func (h *Holder) Snapshot() (*ruleset.RuleSet, error) {
	rs := h.current.Load()
	if rs == nil {
		return nil, ruleset.ErrConfigUnavailable
	}
	return rs, nil
}

// Load reads the active row, creating and activating the defaults when none exists.
// On failure the previous snapshot, if any, stays active.
func (h *Holder) Load(ctx context.Context) (*ruleset.RuleSet, error) {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	active, err := h.repo.LoadActive(ctx)
	if err != nil {
		return nil, h.loadFailed(err)
	}
	if active == nil {
		seeded, err := h.repo.Activate(ctx, h.defaults.Clone())
		if err != nil {
			return nil, h.loadFailed(err)
		}
		h.logger.Printf("ruleset load: no active rule set, seeded defaults version=%d", seeded.Version)
		active = &seeded
	}
	if err := active.Validate(); err != nil {
		return nil, h.loadFailed(err)
	}
	metrics.IncRuleSetLoad(metrics.ResultSuccess)
	return h.swap(ctx, active), nil
}

// Reload re-reads the active row without downtime.
func (h *Holder) Reload(ctx context.Context) (*ruleset.RuleSet, error) {
	return h.Load(ctx)
}

// Publish stores rs as a new active version and swaps it in.
func (h *Holder) Publish(ctx context.Context, rs ruleset.RuleSet) (*ruleset.RuleSet, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	stored, err := h.repo.Activate(ctx, rs.Clone())
	if err != nil {
		return nil, fmt.Errorf("ruleset publish: %w", err)
	}
	h.logger.Printf("ruleset publish: version=%d id=%s", stored.Version, stored.ID)
	return h.swap(ctx, &stored), nil
}

// List returns every stored version.
func (h *Holder) List(ctx context.Context) ([]ruleset.RuleSet, error) {
	return h.repo.List(ctx)
}

func (h *Holder) swap(ctx context.Context, next *ruleset.RuleSet) *ruleset.RuleSet {
	frozen := next.Clone()
	previous := h.current.Swap(&frozen)
	metrics.SetRuleSetVersion(frozen.Version)
	if previous == nil || previous.Version != frozen.Version {
		h.swaps.Dispatch(ctx, Swapped{Previous: previous, Current: &frozen})
	}
	return &frozen
}

func (h *Holder) loadFailed(err error) error {
	metrics.IncRuleSetLoad(metrics.ResultError)
	if previous := h.current.Load(); previous != nil {
		h.logger.Printf("ruleset load: keeping version=%d err=%v", previous.Version, err)
	} else {
		h.logger.Printf("ruleset load: no snapshot available err=%v", err)
	}
	return fmt.Errorf("%w: %v", ruleset.ErrConfigUnavailable, err)
}
