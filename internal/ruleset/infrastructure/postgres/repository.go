package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	ruleset "mlm-ledger/internal/ruleset/domain"
)

// Repository persists rule sets as JSONB payload rows with one active flag.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("ruleset repo: nil db")
	}
	return &Repository{db: db}, nil
}

// LoadActive returns the active rule set or nil.
func (r *Repository) LoadActive(ctx context.Context) (*ruleset.RuleSet, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, version, payload, created_at, activated_at
FROM settlement_rule_sets
WHERE is_active
LIMIT 1`)
	return scanRuleSet(row)
}

// Activate inserts rs with the next version and flips the active flag in one transaction.
func (r *Repository) Activate(ctx context.Context, rs ruleset.RuleSet) (ruleset.RuleSet, error) {
	payload, err := json.Marshal(rs)
	if err != nil {
		return ruleset.RuleSet{}, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ruleset.RuleSet{}, err
	}
	// Serializes concurrent activations so versions stay gap free.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE settlement_rule_sets IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		_ = tx.Rollback()
		return ruleset.RuleSet{}, err
	}
	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM settlement_rule_sets`).Scan(&version); err != nil {
		_ = tx.Rollback()
		return ruleset.RuleSet{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE settlement_rule_sets SET is_active = FALSE WHERE is_active`); err != nil {
		_ = tx.Rollback()
		return ruleset.RuleSet{}, err
	}
	now := time.Now().UTC()
	rs.ID = uuid.NewString()
	rs.Version = version
	rs.CreatedAt = now
	rs.ActivatedAt = now
	_, err = tx.ExecContext(ctx, `
INSERT INTO settlement_rule_sets (id, version, is_active, payload, created_at, activated_at)
VALUES ($1, $2, TRUE, $3, $4, $4)`, rs.ID, rs.Version, payload, now)
	if err != nil {
		_ = tx.Rollback()
		return ruleset.RuleSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return ruleset.RuleSet{}, err
	}
	return rs, nil
}

// List returns all versions in ascending order.
func (r *Repository) List(ctx context.Context) ([]ruleset.RuleSet, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, version, payload, created_at, activated_at
FROM settlement_rule_sets
ORDER BY version ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ruleset.RuleSet
	for rows.Next() {
		rs, err := scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		if rs != nil {
			result = append(result, *rs)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleSet(row rowScanner) (*ruleset.RuleSet, error) {
	var (
		id          string
		version     int
		payload     []byte
		createdAt   time.Time
		activatedAt sql.NullTime
	)
	if err := row.Scan(&id, &version, &payload, &createdAt, &activatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var rs ruleset.RuleSet
	if err := json.Unmarshal(payload, &rs); err != nil {
		return nil, err
	}
	rs.ID = id
	rs.Version = version
	rs.CreatedAt = createdAt.UTC()
	if activatedAt.Valid {
		rs.ActivatedAt = activatedAt.Time.UTC()
	}
	return &rs, nil
}
