package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/trust"
)

// Suspicion scoring. Individual signals add up; a worker is flagged at
// FlagScore and banned outright at BanScore.
const (
	// HighErrorRate is the error rate beyond which an established worker
	// earns suspicion.
	HighErrorRate = 0.15

	// MinSample is the verification count below which rate signals are
	// meaningless.
	MinSample = 10

	// HighThroughput is a verification rate, in numbers per second, beyond
	// what honest hardware produces.
	HighThroughput = 100_000_000

	// LowThroughput is a rate low enough to suggest fabricated compute
	// times.
	LowThroughput = 1_000

	scoreErrorRate      = 3
	scoreFastThroughput = 4
	scoreSlowThroughput = 2
	scoreEliteErrors    = 3
	scoreThinRecord     = 2

	// FlagScore marks a worker as suspicious.
	FlagScore = 3

	// BanScore gets a worker banned on the spot.
	BanScore = 5

	// SybilAttempts is the number of concurrent consensus attempts beyond
	// which one user looks like it is stacking quorums.
	SybilAttempts = 3
)

// RiskLevel summarizes the network's health after a scan.
type RiskLevel string

const (
	RiskNormal   RiskLevel = "NORMAL"
	RiskElevated RiskLevel = "ELEVATED"
	RiskCritical RiskLevel = "CRITICAL"
)

// Ledger is the slice of the trust ledger the monitor consumes.
type Ledger interface {
	Ban(workerID string, reason string) error
	Demote(workerID string, to trust.Tier) error
}

// Stats exposes the worker records to scan. Implemented by the state
// package.
type Stats interface {
	Workers() []*trust.WorkerStats
}

// Consensus reports how many unresolved consensus attempts each user is
// involved in.
type Consensus interface {
	PendingByUser() map[string]int
}

// Finding is one worker's suspicion assessment.
type Finding struct {
	WorkerID string   `json:"worker_id"`
	UserID   string   `json:"user_id"`
	Score    int      `json:"score"`
	Reasons  []string `json:"reasons"`
	Banned   bool     `json:"banned"`
}

// Report is the outcome of one scan.
type Report struct {
	ScannedAt      int64     `json:"scanned_at"`
	Findings       []Finding `json:"findings"`
	SybilUsers     []string  `json:"sybil_users"`
	FlaggedUsers   []string  `json:"flagged_users"`
	DemotedWorkers []string  `json:"demoted_workers"`
	Risk           RiskLevel `json:"risk"`
}

// Monitor periodically scans worker records and consensus activity for
// Byzantine patterns, bans or demotes offenders through the ledger, and
// keeps the latest report for the stats endpoint.
type Monitor struct {
	sync.Mutex

	ledger    Ledger
	stats     Stats
	consensus Consensus
	last      *Report
	logger    *logrus.Entry
}

func NewMonitor(ledger Ledger, stats Stats, consensus Consensus, logger *logrus.Entry) *Monitor {
	return &Monitor{
		ledger:    ledger,
		stats:     stats,
		consensus: consensus,
		logger:    logger,
	}
}

// assess scores one worker record.
func assess(w *trust.WorkerStats) Finding {
	f := Finding{WorkerID: w.WorkerID, UserID: w.UserID}

	if w.TotalVerifications >= MinSample && w.ErrorRate() > HighErrorRate {
		f.Score += scoreErrorRate
		f.Reasons = append(f.Reasons, "high error rate")
	}

	if w.TotalVerifications >= MinSample {
		switch tp := w.Throughput(); {
		case tp > HighThroughput:
			f.Score += scoreFastThroughput
			f.Reasons = append(f.Reasons, "implausibly high throughput")
		case tp > 0 && tp < LowThroughput:
			f.Score += scoreSlowThroughput
			f.Reasons = append(f.Reasons, "implausibly low throughput")
		}
	}

	if w.Tier == trust.Elite && w.ConsecutiveIncorrect > 0 {
		f.Score += scoreEliteErrors
		f.Reasons = append(f.Reasons, "elite worker with incorrect streak")
	}

	// tiers carry minimum verification counts; a record below them can only
	// come from forged or corrupted state
	if (w.Tier == trust.Trusted && w.CorrectVerifications < trust.TrustedThreshold) ||
		(w.Tier == trust.Elite && w.CorrectVerifications < trust.EliteThreshold) {
		f.Score += scoreThinRecord
		f.Reasons = append(f.Reasons, "tier inconsistent with record")
	}

	return f
}

// Scan runs one full pass and applies countermeasures. It returns the
// report and remembers it.
func (m *Monitor) Scan(now time.Time) *Report {
	m.Lock()
	defer m.Unlock()

	report := &Report{
		ScannedAt: now.Unix(),
		Risk:      RiskNormal,
	}

	workers := m.stats.Workers()
	flaggedUsers := map[string]bool{}

	for _, w := range workers {
		if w.Tier == trust.Banned {
			continue
		}

		f := assess(w)
		if f.Score < FlagScore {
			continue
		}

		if f.Score >= BanScore {
			f.Banned = true
			if err := m.ledger.Ban(w.WorkerID, "byzantine monitor"); err != nil {
				m.logger.WithField("error", err).Error("Failed to ban worker")
			}
		}

		if w.UserID != "" {
			flaggedUsers[w.UserID] = true
		}
		report.Findings = append(report.Findings, f)

		m.logger.WithFields(logrus.Fields{
			"worker":  w.WorkerID,
			"score":   f.Score,
			"reasons": f.Reasons,
		}).Warn("Flagged worker")
	}

	for userID, attempts := range m.consensus.PendingByUser() {
		if attempts > SybilAttempts {
			report.SybilUsers = append(report.SybilUsers, userID)
			flaggedUsers[userID] = true

			m.logger.WithFields(logrus.Fields{
				"user":     userID,
				"attempts": attempts,
			}).Warn("Flagged user for quorum stacking")
		}
	}
	sort.Strings(report.SybilUsers)

	for userID := range flaggedUsers {
		report.FlaggedUsers = append(report.FlaggedUsers, userID)
	}
	sort.Strings(report.FlaggedUsers)

	if len(report.Findings) > 0 || len(report.SybilUsers) > 0 {
		report.Risk = RiskElevated
	}

	if len(report.FlaggedUsers) >= 2 || len(report.Findings) >= 3 {
		report.Risk = RiskCritical
		report.DemotedWorkers = m.demoteFlagged(workers, flaggedUsers)
	}

	m.last = report
	return report
}

// demoteFlagged strips Trusted and Elite standing from every worker owned by
// a flagged user. Caller holds the lock.
func (m *Monitor) demoteFlagged(workers []*trust.WorkerStats, flaggedUsers map[string]bool) []string {
	demoted := []string{}

	for _, w := range workers {
		if !flaggedUsers[w.UserID] {
			continue
		}
		if w.Tier != trust.Trusted && w.Tier != trust.Elite {
			continue
		}
		if err := m.ledger.Demote(w.WorkerID, trust.Verified); err != nil {
			m.logger.WithField("error", err).Error("Failed to demote worker")
			continue
		}
		demoted = append(demoted, w.WorkerID)
	}

	sort.Strings(demoted)
	return demoted
}

// LastReport returns the most recent scan report, or nil before the first
// scan.
func (m *Monitor) LastReport() *Report {
	m.Lock()
	defer m.Unlock()
	return m.last
}
