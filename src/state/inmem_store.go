package state

import (
	"sync"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/trust"
	"github.com/verinet/verinet/src/work"
)

// InmemStore implements the Store interface with in-memory maps. It is the
// default for tests and ephemeral nodes, and the front for BadgerStore.
type InmemStore struct {
	sync.RWMutex

	workers map[string]*trust.WorkerStats
	users   map[string]*trust.UserAccount

	assignments     map[string]*work.Assignment
	assignmentByKey map[string]string

	proofs       map[string]*proof.SignedProof
	proofByRange map[string][]string

	frontier  uint64
	watermark uint64
}

func NewInmemStore() *InmemStore {
	return &InmemStore{
		workers:         map[string]*trust.WorkerStats{},
		users:           map[string]*trust.UserAccount{},
		assignments:     map[string]*work.Assignment{},
		assignmentByKey: map[string]string{},
		proofs:          map[string]*proof.SignedProof{},
		proofByRange:    map[string][]string{},
	}
}

func (s *InmemStore) Worker(workerID string) (*trust.WorkerStats, error) {
	s.RLock()
	defer s.RUnlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, common.NewStoreErr("Worker", common.KeyNotFound, workerID)
	}
	return w, nil
}

func (s *InmemStore) SetWorker(stats *trust.WorkerStats) error {
	s.Lock()
	defer s.Unlock()

	s.workers[stats.WorkerID] = stats
	return nil
}

func (s *InmemStore) Workers() []*trust.WorkerStats {
	s.RLock()
	defer s.RUnlock()

	res := make([]*trust.WorkerStats, 0, len(s.workers))
	for _, w := range s.workers {
		res = append(res, w)
	}
	return res
}

func (s *InmemStore) User(userID string) (*trust.UserAccount, error) {
	s.RLock()
	defer s.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, common.NewStoreErr("User", common.KeyNotFound, userID)
	}
	return u, nil
}

func (s *InmemStore) SetUser(account *trust.UserAccount) error {
	s.Lock()
	defer s.Unlock()

	s.users[account.UserID] = account
	return nil
}

func (s *InmemStore) Users() []*trust.UserAccount {
	s.RLock()
	defer s.RUnlock()

	res := make([]*trust.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		res = append(res, u)
	}
	return res
}

func (s *InmemStore) Assignment(id string) (*work.Assignment, error) {
	s.RLock()
	defer s.RUnlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, common.NewStoreErr("Assignment", common.KeyNotFound, id)
	}
	return a, nil
}

func (s *InmemStore) SetAssignment(a *work.Assignment) error {
	s.Lock()
	defer s.Unlock()

	s.assignments[a.ID] = a
	s.assignmentByKey[a.Key()] = a.ID
	return nil
}

func (s *InmemStore) Assignments() []*work.Assignment {
	s.RLock()
	defer s.RUnlock()

	res := make([]*work.Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		res = append(res, a)
	}
	return res
}

func (s *InmemStore) AssignmentByKey(key string) (*work.Assignment, error) {
	s.RLock()
	id, ok := s.assignmentByKey[key]
	s.RUnlock()

	if !ok {
		return nil, common.NewStoreErr("Assignment", common.KeyNotFound, key)
	}
	return s.Assignment(id)
}

func (s *InmemStore) AssignmentsInRange(start, end uint64) []*work.Assignment {
	s.RLock()
	defer s.RUnlock()

	res := []*work.Assignment{}
	for _, a := range s.assignments {
		if a.RangeEnd > start && a.RangeStart < end {
			res = append(res, a)
		}
	}
	return res
}

func (s *InmemStore) Frontier() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.frontier
}

func (s *InmemStore) SetFrontier(frontier uint64) error {
	s.Lock()
	defer s.Unlock()
	s.frontier = frontier
	return nil
}

func (s *InmemStore) Watermark() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.watermark
}

func (s *InmemStore) SetWatermark(watermark uint64) error {
	s.Lock()
	defer s.Unlock()
	s.watermark = watermark
	return nil
}

func (s *InmemStore) Proof(id string) (*proof.SignedProof, error) {
	s.RLock()
	defer s.RUnlock()

	p, ok := s.proofs[id]
	if !ok {
		return nil, common.NewStoreErr("Proof", common.KeyNotFound, id)
	}
	return p, nil
}

func (s *InmemStore) SetProof(p *proof.SignedProof) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.proofs[p.ID]; ok {
		return nil
	}
	s.proofs[p.ID] = p
	s.proofByRange[p.Key()] = append(s.proofByRange[p.Key()], p.ID)
	return nil
}

func (s *InmemStore) Proofs() []*proof.SignedProof {
	s.RLock()
	defer s.RUnlock()

	res := make([]*proof.SignedProof, 0, len(s.proofs))
	for _, p := range s.proofs {
		res = append(res, p)
	}
	return res
}

func (s *InmemStore) ProofsByRange(key string) []*proof.SignedProof {
	s.RLock()
	defer s.RUnlock()

	res := []*proof.SignedProof{}
	for _, id := range s.proofByRange[key] {
		res = append(res, s.proofs[id])
	}
	return res
}

func (s *InmemStore) Close() error {
	return nil
}
