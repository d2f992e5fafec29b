package memory

import (
	"context"
	"sync"

	settlement "mlm-ledger/internal/settlement/domain"
)

// Graph is an in-memory referral graph and rank provider.
type Graph struct {
	mu       sync.RWMutex
	byID     map[string]settlement.User
	byCode   map[string]string
	ranks    map[string]settlement.InfinityEligibility
	failWith error
}

// NewGraph constructs an empty graph.
func NewGraph() *Graph {
	return &Graph{
		byID:   make(map[string]settlement.User),
		byCode: make(map[string]string),
		ranks:  make(map[string]settlement.InfinityEligibility),
	}
}

// Put inserts or replaces a user.
func (g *Graph) Put(user settlement.User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if previous, ok := g.byID[user.ID]; ok && previous.ReferralCode != "" {
		delete(g.byCode, previous.ReferralCode)
	}
	g.byID[user.ID] = user
	if user.ReferralCode != "" {
		g.byCode[user.ReferralCode] = user.ID
	}
}

// SetEligibility stores a rank answer for a user.
func (g *Graph) SetEligibility(userID string, eligibility settlement.InfinityEligibility) {
	g.mu.Lock()
	g.ranks[userID] = eligibility
	g.mu.Unlock()
}

// FailWith makes every lookup return err until cleared with nil.
func (g *Graph) FailWith(err error) {
	g.mu.Lock()
	g.failWith = err
	g.mu.Unlock()
}

// Users returns every stored user.
func (g *Graph) Users(ctx context.Context) ([]settlement.User, error) {
	_ = ctx
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failWith != nil {
		return nil, g.failWith
	}
	users := make([]settlement.User, 0, len(g.byID))
	for _, user := range g.byID {
		users = append(users, user)
	}
	return users, nil
}

// UserByID implements settlement.ReferralGraph.
func (g *Graph) UserByID(ctx context.Context, id string) (*settlement.User, error) {
	_ = ctx
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failWith != nil {
		return nil, g.failWith
	}
	user, ok := g.byID[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

// UserByReferralCode implements settlement.ReferralGraph.
func (g *Graph) UserByReferralCode(ctx context.Context, code string) (*settlement.User, error) {
	_ = ctx
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failWith != nil {
		return nil, g.failWith
	}
	id, ok := g.byCode[code]
	if !ok {
		return nil, nil
	}
	user := g.byID[id]
	return &user, nil
}

// InfinityEligibility implements settlement.RankProvider.
func (g *Graph) InfinityEligibility(ctx context.Context, userID string) (settlement.InfinityEligibility, error) {
	_ = ctx
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failWith != nil {
		return settlement.InfinityEligibility{}, g.failWith
	}
	return g.ranks[userID], nil
}
