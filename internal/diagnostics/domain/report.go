package diagnostics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the coarse health of a report.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// MaxHops bounds every upline walk of the analysis.
const MaxHops = 50

// Node is the part of a user the analysis needs.
type Node struct {
	ID                  string
	ReferralCode        string
	AppliedReferralCode string
	IsActive            bool
}

// Report summarizes the shape of the referral forest.
type Report struct {
	GeneratedAt        time.Time `json:"generated_at"`
	TotalUsers         int       `json:"total_users"`
	ReferredUsers      int       `json:"referred_users"`
	ActiveReferred     int       `json:"active_referred"`
	BrokenLinks        int       `json:"broken_links"`
	CyclicChains       int       `json:"cyclic_chains"`
	CappedChains       int       `json:"capped_chains"`
	ActiveReferralRate float64   `json:"active_referral_rate"`
	MaxDepth           int       `json:"max_depth"`
	AvgDepth           float64   `json:"avg_depth"`
	Score              int       `json:"score"`
	Status             Status    `json:"status"`
	Error              string    `json:"error,omitempty"`
}

// Unknown is the report returned when the analysis could not run.
func Unknown(now time.Time, err error) Report {
	report := Report{GeneratedAt: now, Status: StatusUnknown}
	if err != nil {
		report.Error = "referral data unavailable"
	}
	return report
}

// Analyze walks every user's upline through applied codes. Each walk stops at an
// unresolved code, a code already seen on the same walk, or MaxHops.
func Analyze(nodes []Node, now time.Time) Report {
	report := Report{GeneratedAt: now, TotalUsers: len(nodes)}
	if len(nodes) == 0 {
		report.Status = StatusUnknown
		return report
	}

	byCode := make(map[string]Node, len(nodes))
	for _, node := range nodes {
		if node.ReferralCode != "" {
			byCode[node.ReferralCode] = node
		}
	}

	totalDepth := 0
	for _, node := range nodes {
		if node.AppliedReferralCode != "" {
			report.ReferredUsers++
			if node.IsActive {
				report.ActiveReferred++
			}
			if _, ok := byCode[node.AppliedReferralCode]; !ok {
				report.BrokenLinks++
			}
		}

		depth, end := walk(node, byCode)
		switch end {
		case endCycle:
			report.CyclicChains++
		case endCapped:
			report.CappedChains++
		}
		totalDepth += depth
		if depth > report.MaxDepth {
			report.MaxDepth = depth
		}
	}

	if report.ReferredUsers > 0 {
		report.ActiveReferralRate = round2(float64(report.ActiveReferred) / float64(report.ReferredUsers))
	}
	report.AvgDepth = round2(float64(totalDepth) / float64(report.TotalUsers))
	report.Score = score(report)
	report.Status = statusOf(report.Score)
	return report
}

type walkEnd int

const (
	endRoot walkEnd = iota
	endBroken
	endCycle
	endCapped
)

func walk(node Node, byCode map[string]Node) (int, walkEnd) {
	visited := map[string]struct{}{}
	if node.ReferralCode != "" {
		visited[node.ReferralCode] = struct{}{}
	}
	depth := 0
	code := node.AppliedReferralCode
	for code != "" {
		if depth >= MaxHops {
			return depth, endCapped
		}
		if _, seen := visited[code]; seen {
			return depth, endCycle
		}
		parent, ok := byCode[code]
		if !ok {
			return depth, endBroken
		}
		visited[code] = struct{}{}
		depth++
		code = parent.AppliedReferralCode
	}
	return depth, endRoot
}

// score starts at 100 and subtracts fixed penalties.
func score(r Report) int {
	s := 100
	if r.ReferredUsers > 0 {
		switch {
		case r.ActiveReferralRate < 0.2:
			s -= 30
		case r.ActiveReferralRate < 0.5:
			s -= 15
		}
		broken := float64(r.BrokenLinks) / float64(r.ReferredUsers)
		switch {
		case broken > 0.05:
			s -= 25
		case broken > 0:
			s -= 10
		}
	}
	if r.CyclicChains > 0 {
		s -= 30
	}
	if r.CappedChains > 0 {
		s -= 10
	}
	if s < 0 {
		return 0
	}
	return s
}

func statusOf(score int) Status {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 50:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func round2(value float64) float64 {
	return float64(int(value*100+0.5)) / 100
}

// MissingAccrual is a delivered order whose cashback never reached the ledger.
type MissingAccrual struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Cashback    decimal.Decimal `json:"cashback"`
	DeliveredAt time.Time       `json:"delivered_at"`
}

// IntegrityReport lists settlement gaps. It is an alarm, never a correction.
type IntegrityReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Cutoff      time.Time        `json:"cutoff"`
	Checked     int              `json:"checked"`
	Missing     []MissingAccrual `json:"missing"`
	Status      Status           `json:"status"`
	Error       string           `json:"error,omitempty"`
}
