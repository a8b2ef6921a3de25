// Package worker implements a verification worker client. A Worker claims
// ranges from a node, runs them through a verifier, and submits signed
// proofs. It can drive a node in-process or over the HTTP API.
package worker

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/consensus"
	"github.com/verinet/verinet/src/crypto/keys"
	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/trust"
	"github.com/verinet/verinet/src/verify"
	"github.com/verinet/verinet/src/work"
)

// DefaultStepLimit is the trajectory length beyond which a worker reports a
// potential counterexample instead of looping forever.
const DefaultStepLimit uint64 = 100_000

// Node is the surface a worker drives. A node implements it directly; the
// HTTPClient implements it over the service API.
type Node interface {
	RegisterWorker(workerID string, pubKeyHex string) (*trust.WorkerStats, error)
	NextWork(workerID string) (*work.Assignment, error)
	Heartbeat(workerID string) error
	SubmitProof(p *proof.SignedProof) (*consensus.Result, error)
}

// Worker claims, verifies, and proves ranges on behalf of one key pair.
type Worker struct {
	id     string
	userID string

	key       *ecdsa.PrivateKey
	node      Node
	verifier  verify.Verifier
	stepLimit uint64
	logger    *logrus.Entry
}

// NewWorker registers a worker with the node and returns the client. An
// empty id lets the node assign one.
func NewWorker(
	key *ecdsa.PrivateKey,
	id string,
	node Node,
	verifier verify.Verifier,
	logger *logrus.Entry,
) (*Worker, error) {

	stats, err := node.RegisterWorker(id, keys.PublicKeyHex(&key.PublicKey))
	if err != nil {
		return nil, err
	}

	return &Worker{
		id:        stats.WorkerID,
		userID:    stats.UserID,
		key:       key,
		node:      node,
		verifier:  verifier,
		stepLimit: DefaultStepLimit,
		logger:    logger.WithField("worker", stats.WorkerID),
	}, nil
}

// ID returns the worker's id.
func (w *Worker) ID() string {
	return w.id
}

// UserID returns the id of the user account the worker belongs to.
func (w *Worker) UserID() string {
	return w.userID
}

// Step claims one assignment, verifies it, and submits the signed proof. It
// returns the consensus result, or work.ErrNoWork when nothing is claimable.
func (w *Worker) Step(ctx context.Context) (*consensus.Result, error) {
	assignment, err := w.node.NextWork(w.id)
	if err != nil {
		return nil, err
	}

	w.logger.WithFields(logrus.Fields{
		"range_start": assignment.RangeStart,
		"range_end":   assignment.RangeEnd,
	}).Debug("Verifying range")

	result, err := w.verifier.VerifyRange(ctx, assignment.RangeStart, assignment.RangeEnd, w.stepLimit)
	if err != nil {
		return nil, err
	}

	p, err := proof.NewSignedProof(w.key, proof.Body{
		WorkerID:       w.id,
		UserID:         w.userID,
		AssignmentID:   assignment.ID,
		RangeStart:     assignment.RangeStart,
		RangeEnd:       assignment.RangeEnd,
		AllConverged:   result.AllConverged,
		NumbersChecked: result.NumbersChecked,
		MaxSteps:       result.MaxSteps,
		ComputeTime:    result.ComputeTime,
		Timestamp:      time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}

	return w.node.SubmitProof(p)
}

// Run works in a loop until the context is cancelled: heartbeat, claim,
// verify, submit. When no work is available it waits for the next tick.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.node.Heartbeat(w.id); err != nil {
			w.logger.WithError(err).Error("Heartbeat failed")
			continue
		}

		if _, err := w.Step(ctx); err != nil {
			if err == work.ErrNoWork {
				w.logger.Debug("No work available")
				continue
			}
			w.logger.WithError(err).Error("Work step failed")
		}
	}
}
