package sched

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/work"
)

// HeartbeatTimeout is how long a worker may stay silent before it is
// evicted and its claim released.
const HeartbeatTimeout = 5 * time.Minute

// ErrUnknownWorker means the worker never registered with the scheduler.
var ErrUnknownWorker = errors.New("unknown worker")

// Work is the slice of the work registry the scheduler consumes.
type Work interface {
	Claimable(now time.Time) []*work.Assignment
	Claim(assignmentID string, workerID string, userID string, now time.Time) (*work.Assignment, error)
	ClaimExtra(assignmentID string, workerID string, userID string, now time.Time) (*work.Assignment, error)
	Release(assignmentID string, workerID string) error
	Redundancy() int
}

// Trust is the slice of the trust ledger the scheduler consumes.
type Trust interface {
	IsBanned(workerID string) bool
	NeedsSpotCheck(workerID string) bool
}

type workerEntry struct {
	workerID   string
	userID     string
	lastSeen   time.Time
	assignment string
}

// Scheduler tracks live workers through heartbeats and pairs them with
// under-filled assignments. The pairing shuffles both sides independently so
// colluding workers cannot position themselves onto the same range, and it
// never places two workers of one user on one assignment.
type Scheduler struct {
	sync.Mutex

	work    Work
	trust   Trust
	workers map[string]*workerEntry
	rand    *rand.Rand
	logger  *logrus.Entry
}

func NewScheduler(w Work, t Trust, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		work:    w,
		trust:   t,
		workers: map[string]*workerEntry{},
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger,
	}
}

// Register adds a worker to the live set.
func (s *Scheduler) Register(workerID string, userID string, now time.Time) {
	s.Lock()
	defer s.Unlock()

	if e, ok := s.workers[workerID]; ok {
		e.lastSeen = now
		return
	}
	s.workers[workerID] = &workerEntry{
		workerID: workerID,
		userID:   userID,
		lastSeen: now,
	}
}

// Heartbeat refreshes the worker's liveness. Unknown workers must register
// first.
func (s *Scheduler) Heartbeat(workerID string, now time.Time) error {
	s.Lock()
	defer s.Unlock()

	e, ok := s.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	e.lastSeen = now
	return nil
}

// Complete frees the worker after it submitted a proof for its assignment.
func (s *Scheduler) Complete(workerID string) {
	s.Lock()
	defer s.Unlock()

	if e, ok := s.workers[workerID]; ok {
		e.assignment = ""
	}
}

// Assignment returns the id of the worker's active assignment, if any.
func (s *Scheduler) Assignment(workerID string) string {
	s.Lock()
	defer s.Unlock()

	if e, ok := s.workers[workerID]; ok {
		return e.assignment
	}
	return ""
}

// LiveWorkers returns the number of workers with a fresh heartbeat.
func (s *Scheduler) LiveWorkers(now time.Time) int {
	s.Lock()
	defer s.Unlock()

	n := 0
	for _, e := range s.workers {
		if now.Sub(e.lastSeen) <= HeartbeatTimeout {
			n++
		}
	}
	return n
}

// Evict drops workers whose heartbeat is stale and releases their claims.
// Returns the ids of the evicted workers.
func (s *Scheduler) Evict(now time.Time) []string {
	s.Lock()
	defer s.Unlock()

	evicted := []string{}
	for id, e := range s.workers {
		if now.Sub(e.lastSeen) <= HeartbeatTimeout {
			continue
		}

		if e.assignment != "" {
			if err := s.work.Release(e.assignment, id); err != nil {
				s.logger.WithFields(logrus.Fields{
					"worker": id,
					"error":  err,
				}).Error("Failed to release claim of evicted worker")
			}
		}

		delete(s.workers, id)
		evicted = append(evicted, id)

		s.logger.WithField("worker", id).Debug("Evicted silent worker")
	}

	sort.Strings(evicted)
	return evicted
}

// Pass runs one scheduling round: under-filled assignments and free live
// workers are shuffled independently, then paired greedily under the
// anti-collusion constraints. Returns the number of claims made.
func (s *Scheduler) Pass(now time.Time) int {
	s.Lock()
	defer s.Unlock()

	free := []*workerEntry{}
	for _, e := range s.workers {
		if e.assignment != "" {
			continue
		}
		if now.Sub(e.lastSeen) > HeartbeatTimeout {
			continue
		}
		if s.trust.IsBanned(e.workerID) {
			continue
		}
		free = append(free, e)
	}
	if len(free) == 0 {
		return 0
	}

	open := s.work.Claimable(now)
	if len(open) == 0 {
		return 0
	}

	// independent shuffles keep the pairing unpredictable
	s.rand.Shuffle(len(free), func(i, j int) { free[i], free[j] = free[j], free[i] })
	s.rand.Shuffle(len(open), func(i, j int) { open[i], open[j] = open[j], open[i] })

	claims := 0
	for _, a := range open {
		// hand slots to outside workers before the creator's own
		candidates := append([]*workerEntry{}, free...)
		sort.SliceStable(candidates, func(i, j int) bool {
			ci := candidates[i].userID != "" && candidates[i].userID == a.CreatedBy
			cj := candidates[j].userID != "" && candidates[j].userID == a.CreatedBy
			return !ci && cj
		})

		var filled *work.Assignment
		for _, e := range candidates {
			if e.assignment != "" {
				continue
			}

			claimed, err := s.work.Claim(a.ID, e.workerID, e.userID, now)
			if err != nil {
				if err == work.ErrSameUser {
					continue
				}
				break
			}

			e.assignment = claimed.ID
			filled = claimed
			claims++

			s.logger.WithFields(logrus.Fields{
				"worker":     e.workerID,
				"assignment": claimed.ID,
				"range":      claimed.Key(),
			}).Debug("Scheduled worker")
		}

		if filled != nil {
			claims += s.spotCheck(filled, candidates, now)
		}
	}

	return claims
}

// spotCheck occasionally adds one extra confirmer when the range's first
// claimer holds a tier that lets results through with few checks. Caller
// holds the lock.
func (s *Scheduler) spotCheck(a *work.Assignment, candidates []*workerEntry, now time.Time) int {
	if len(a.Claims) == 0 || !s.trust.NeedsSpotCheck(a.Claims[0].WorkerID) {
		return 0
	}

	for _, e := range candidates {
		if e.assignment != "" {
			continue
		}

		claimed, err := s.work.ClaimExtra(a.ID, e.workerID, e.userID, now)
		if err != nil {
			continue
		}

		e.assignment = claimed.ID

		s.logger.WithFields(logrus.Fields{
			"worker":     e.workerID,
			"assignment": claimed.ID,
		}).Debug("Added spot-check confirmer")

		return 1
	}

	return 0
}
