package monitor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/trust"
)

type fakeLedger struct {
	banned  map[string]string
	demoted map[string]trust.Tier
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		banned:  map[string]string{},
		demoted: map[string]trust.Tier{},
	}
}

func (f *fakeLedger) Ban(workerID string, reason string) error {
	f.banned[workerID] = reason
	return nil
}

func (f *fakeLedger) Demote(workerID string, to trust.Tier) error {
	f.demoted[workerID] = to
	return nil
}

type fakeStats struct {
	workers []*trust.WorkerStats
}

func (f *fakeStats) Workers() []*trust.WorkerStats { return f.workers }

type fakeConsensus struct {
	pending map[string]int
}

func (f *fakeConsensus) PendingByUser() map[string]int { return f.pending }

func testMonitor(t *testing.T, workers []*trust.WorkerStats, pending map[string]int) (*Monitor, *fakeLedger) {
	if pending == nil {
		pending = map[string]int{}
	}
	ledger := newFakeLedger()
	m := NewMonitor(
		ledger,
		&fakeStats{workers: workers},
		&fakeConsensus{pending: pending},
		common.NewTestEntry(t, logrus.DebugLevel),
	)
	return m, ledger
}

func honestWorker(id, user string) *trust.WorkerStats {
	return &trust.WorkerStats{
		WorkerID:             id,
		UserID:               user,
		Tier:                 trust.Verified,
		TotalVerifications:   50,
		CorrectVerifications: 50,
		TotalNumbersChecked:  50_000_000,
		TotalComputeTime:     5000,
	}
}

func TestCleanNetworkIsNormal(t *testing.T) {
	m, ledger := testMonitor(t, []*trust.WorkerStats{
		honestWorker("W1", "U1"),
		honestWorker("W2", "U2"),
	}, nil)

	report := m.Scan(time.Now())
	if report.Risk != RiskNormal {
		t.Fatalf("got %s, want %s", report.Risk, RiskNormal)
	}
	if len(report.Findings) != 0 || len(ledger.banned) != 0 {
		t.Fatalf("clean workers flagged: %+v", report.Findings)
	}
}

func TestHighErrorRateIsFlagged(t *testing.T) {
	w := honestWorker("W1", "U1")
	w.CorrectVerifications = 40
	w.IncorrectVerifications = 10
	w.TotalVerifications = 50

	m, ledger := testMonitor(t, []*trust.WorkerStats{w}, nil)
	report := m.Scan(time.Now())

	if report.Risk != RiskElevated {
		t.Fatalf("got %s, want %s", report.Risk, RiskElevated)
	}
	if len(report.Findings) != 1 || report.Findings[0].Score != 3 {
		t.Fatalf("findings: %+v", report.Findings)
	}
	if len(ledger.banned) != 0 {
		t.Fatal("score 3 should flag, not ban")
	}
}

func TestImplausibleThroughputCompoundsToBan(t *testing.T) {
	w := honestWorker("W1", "U1")
	w.CorrectVerifications = 40
	w.IncorrectVerifications = 10
	w.TotalVerifications = 50
	// a billion numbers per second
	w.TotalNumbersChecked = 1_000_000_000_000
	w.TotalComputeTime = 1000

	m, ledger := testMonitor(t, []*trust.WorkerStats{w}, nil)
	report := m.Scan(time.Now())

	if len(report.Findings) != 1 {
		t.Fatalf("findings: %+v", report.Findings)
	}
	if got := report.Findings[0].Score; got != 7 {
		t.Fatalf("score: got %d, want 7", got)
	}
	if !report.Findings[0].Banned {
		t.Fatal("score >=5 should ban")
	}
	if _, ok := ledger.banned["W1"]; !ok {
		t.Fatal("ledger should record the ban")
	}
}

func TestEliteWithErrorsIsSuspicious(t *testing.T) {
	w := honestWorker("W1", "U1")
	w.Tier = trust.Elite
	w.CorrectVerifications = 1200
	w.TotalVerifications = 1202
	w.IncorrectVerifications = 2
	w.ConsecutiveIncorrect = 2

	m, _ := testMonitor(t, []*trust.WorkerStats{w}, nil)
	report := m.Scan(time.Now())

	if len(report.Findings) != 1 {
		t.Fatalf("findings: %+v", report.Findings)
	}
	if report.Findings[0].Score < 3 {
		t.Fatalf("score: got %d, want >=3", report.Findings[0].Score)
	}
}

func TestForgedTierIsSuspicious(t *testing.T) {
	w := honestWorker("W1", "U1")
	w.Tier = trust.Elite
	// elite standing with a record nowhere near the threshold
	w.CorrectVerifications = 50
	w.ConsecutiveIncorrect = 1

	m, _ := testMonitor(t, []*trust.WorkerStats{w}, nil)
	report := m.Scan(time.Now())

	if len(report.Findings) != 1 {
		t.Fatalf("findings: %+v", report.Findings)
	}
	if got := report.Findings[0].Score; got != 5 {
		t.Fatalf("score: got %d, want 5", got)
	}
}

func TestSybilPatternFlagsUser(t *testing.T) {
	m, _ := testMonitor(t, []*trust.WorkerStats{honestWorker("W1", "U1")},
		map[string]int{"U1": 4})

	report := m.Scan(time.Now())
	if len(report.SybilUsers) != 1 || report.SybilUsers[0] != "U1" {
		t.Fatalf("sybil users: %v", report.SybilUsers)
	}
	if report.Risk != RiskElevated {
		t.Fatalf("got %s, want %s", report.Risk, RiskElevated)
	}
}

func TestCriticalRiskDemotesFlaggedUsers(t *testing.T) {
	bad1 := honestWorker("W1", "U1")
	bad1.CorrectVerifications = 40
	bad1.IncorrectVerifications = 10
	bad1.TotalVerifications = 50

	bad2 := honestWorker("W2", "U2")
	bad2.CorrectVerifications = 40
	bad2.IncorrectVerifications = 10
	bad2.TotalVerifications = 50

	// U1 also owns an elite worker that must lose its standing
	elite := honestWorker("W3", "U1")
	elite.Tier = trust.Elite
	elite.CorrectVerifications = 2000
	elite.TotalVerifications = 2000

	m, ledger := testMonitor(t, []*trust.WorkerStats{bad1, bad2, elite}, nil)
	report := m.Scan(time.Now())

	if report.Risk != RiskCritical {
		t.Fatalf("got %s, want %s", report.Risk, RiskCritical)
	}
	if len(report.FlaggedUsers) != 2 {
		t.Fatalf("flagged users: %v", report.FlaggedUsers)
	}
	if got, ok := ledger.demoted["W3"]; !ok || got != trust.Verified {
		t.Fatalf("elite worker should be demoted to Verified: %v", ledger.demoted)
	}
	if len(report.DemotedWorkers) != 1 || report.DemotedWorkers[0] != "W3" {
		t.Fatalf("demoted: %v", report.DemotedWorkers)
	}
}

func TestBannedWorkersSkipped(t *testing.T) {
	w := honestWorker("W1", "U1")
	w.Tier = trust.Banned
	w.IncorrectVerifications = 50
	w.TotalVerifications = 100

	m, ledger := testMonitor(t, []*trust.WorkerStats{w}, nil)
	report := m.Scan(time.Now())

	if len(report.Findings) != 0 || len(ledger.banned) != 0 {
		t.Fatal("banned workers should not be re-assessed")
	}
}

func TestLastReportIsKept(t *testing.T) {
	m, _ := testMonitor(t, []*trust.WorkerStats{honestWorker("W1", "U1")}, nil)

	if m.LastReport() != nil {
		t.Fatal("no report before the first scan")
	}

	report := m.Scan(time.Now())
	if m.LastReport() != report {
		t.Fatal("last report should be the scan result")
	}
}
