package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	settlement "mlm-ledger/internal/settlement/domain"
)

const selectUser = `
SELECT id, referral_code, applied_referral_code, rank, is_active, option_enabled,
	freedom_share_1, freedom_share_2, freedom_share_3, freedom_share_4,
	registered_at, activated_at
FROM users`

// ReferralGraph reads users from the storefront's users table.
type ReferralGraph struct {
	db *sql.DB
}

// NewReferralGraph constructs a graph reader.
func NewReferralGraph(db *sql.DB) (*ReferralGraph, error) {
	if db == nil {
		return nil, errors.New("referral graph: nil db")
	}
	return &ReferralGraph{db: db}, nil
}

// UserByID returns a user or nil.
func (g *ReferralGraph) UserByID(ctx context.Context, id string) (*settlement.User, error) {
	return scanUser(g.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id))
}

// UserByReferralCode returns the owner of code or nil.
func (g *ReferralGraph) UserByReferralCode(ctx context.Context, code string) (*settlement.User, error) {
	return scanUser(g.db.QueryRowContext(ctx, selectUser+` WHERE referral_code = $1`, code))
}

// Users returns every user. Used by diagnostics.
func (g *ReferralGraph) Users(ctx context.Context) ([]settlement.User, error) {
	rows, err := g.db.QueryContext(ctx, selectUser+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []settlement.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		if user != nil {
			users = append(users, *user)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// RankProvider reads infinity eligibility from user_ranks.
type RankProvider struct {
	db *sql.DB
}

// NewRankProvider constructs a rank reader.
func NewRankProvider(db *sql.DB) (*RankProvider, error) {
	if db == nil {
		return nil, errors.New("rank provider: nil db")
	}
	return &RankProvider{db: db}, nil
}

// InfinityEligibility returns the rank answer; users without a row are not eligible.
func (p *RankProvider) InfinityEligibility(ctx context.Context, userID string) (settlement.InfinityEligibility, error) {
	var result settlement.InfinityEligibility
	err := p.db.QueryRowContext(ctx, `
SELECT infinity_eligible, infinity_rate
FROM user_ranks
WHERE user_id = $1`, userID).Scan(&result.Eligible, &result.Rate)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.InfinityEligibility{}, nil
	}
	if err != nil {
		return settlement.InfinityEligibility{}, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*settlement.User, error) {
	var (
		user        settlement.User
		applied     sql.NullString
		shares      [4]decimal.Decimal
		activatedAt sql.NullTime
	)
	err := row.Scan(&user.ID, &user.ReferralCode, &applied, &user.Rank, &user.IsActive, &user.OptionEnabled,
		&shares[0], &shares[1], &shares[2], &shares[3], &user.RegisteredAt, &activatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.AppliedReferralCode = applied.String
	user.FreedomShares = shares
	user.RegisteredAt = user.RegisteredAt.UTC()
	if activatedAt.Valid {
		activated := activatedAt.Time.UTC()
		user.ActivatedAt = &activated
	}
	return &user, nil
}
