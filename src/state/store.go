package state

import (
	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/trust"
	"github.com/verinet/verinet/src/work"
)

// Store is the node's persistence layer. It backs the trust ledger, the
// work registry, the consensus engine, and the gossip validator, each of
// which consumes its own narrow slice of this interface.
type Store interface {
	// workers and users
	Worker(workerID string) (*trust.WorkerStats, error)
	SetWorker(stats *trust.WorkerStats) error
	Workers() []*trust.WorkerStats
	User(userID string) (*trust.UserAccount, error)
	SetUser(account *trust.UserAccount) error
	Users() []*trust.UserAccount

	// assignments and the frontier
	Assignment(id string) (*work.Assignment, error)
	SetAssignment(a *work.Assignment) error
	Assignments() []*work.Assignment
	AssignmentByKey(key string) (*work.Assignment, error)
	AssignmentsInRange(start, end uint64) []*work.Assignment
	Frontier() uint64
	SetFrontier(frontier uint64) error
	Watermark() uint64
	SetWatermark(watermark uint64) error

	// proofs
	Proof(id string) (*proof.SignedProof, error)
	SetProof(p *proof.SignedProof) error
	Proofs() []*proof.SignedProof
	ProofsByRange(key string) []*proof.SignedProof

	Close() error
}
