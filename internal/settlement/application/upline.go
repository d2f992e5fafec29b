package application

import (
	"context"
	"fmt"
	"log"

	settlement "mlm-ledger/internal/settlement/domain"
)

// WalkUpline follows applied referral codes from buyer up to maxDepth hops. Each code
// is visited at most once (the buyer's own code counts as visited). An unresolved code
// or a cycle ends the walk; both are logged and are not errors. Graph failures are.
func WalkUpline(ctx context.Context, graph settlement.ReferralGraph, buyer settlement.User, maxDepth int, logger *log.Logger) ([]settlement.Ancestor, error) {
	visited := map[string]struct{}{}
	if buyer.ReferralCode != "" {
		visited[buyer.ReferralCode] = struct{}{}
	}

	var ancestors []settlement.Ancestor
	code := buyer.AppliedReferralCode
	for level := 1; level <= maxDepth && code != ""; level++ {
		if _, seen := visited[code]; seen {
			logf(logger, "settlement upline: cycle buyer=%s level=%d code=%s", buyer.ID, level, code)
			break
		}
		visited[code] = struct{}{}

		user, err := graph.UserByReferralCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve code %s: %v", settlement.ErrLookupFailed, code, err)
		}
		if user == nil {
			logf(logger, "settlement upline: unresolved buyer=%s level=%d code=%s", buyer.ID, level, code)
			break
		}
		ancestors = append(ancestors, settlement.Ancestor{Level: level, User: *user})
		code = user.AppliedReferralCode
	}
	return ancestors, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
