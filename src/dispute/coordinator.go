package dispute

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/verinet/verinet/src/net"
	"github.com/verinet/verinet/src/proof"
)

// VoteDeadline is how long a counterexample poll stays open before it is
// force-closed with the current tally.
const VoteDeadline = 24 * time.Hour

// MinConfirmations is how many agreeing non-convergent proofs a range needs
// before a counterexample record is created.
const MinConfirmations = 3

var (
	// ErrInsufficientConfirmation means the range lacks the agreeing
	// non-convergent proofs a record requires.
	ErrInsufficientConfirmation = errors.New("not enough non-convergent confirmations")

	// ErrNoPoll means no counterexample record exists for the range.
	ErrNoPoll = errors.New("no counterexample poll for range")

	// ErrAlreadyVoted means the worker already cast its vote.
	ErrAlreadyVoted = errors.New("worker already voted")

	// ErrPollClosed means the poll is settled and takes no more votes.
	ErrPollClosed = errors.New("poll is closed")
)

// Record captures a candidate counterexample: a range that the network
// agrees does not converge. Credit goes to the discoverer and the first two
// independent confirmers.
type Record struct {
	RangeKey    string   `json:"range_key"`
	Discoverer  string   `json:"discoverer"`
	Confirmers  []string `json:"confirmers"`
	ConsensusAt int64    `json:"consensus_at"`
	EvidenceCID string   `json:"evidence_cid"`
}

// Marshal produces the record's canonical wire encoding.
func (r *Record) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)

	jh := new(codec.JsonHandle)
	jh.Canonical = true

	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Poll is the network vote attached to one record.
type Poll struct {
	Record   *Record         `json:"record"`
	Votes    map[string]bool `json:"votes"`
	Deadline int64           `json:"deadline"`
	Closed   bool            `json:"closed"`
	Accepted bool            `json:"accepted"`
}

// tally counts the cast votes.
func (p *Poll) tally() (int, int) {
	yes, no := 0, 0
	for _, v := range p.Votes {
		if v {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}

// Coordinator manages counterexample records and their acceptance votes.
// Records are broadcast on the content network so peers can start their own
// polls.
type Coordinator struct {
	sync.Mutex

	network net.ContentNetwork
	polls   map[string]*Poll
	logger  *logrus.Entry
}

func NewCoordinator(network net.ContentNetwork, logger *logrus.Entry) *Coordinator {
	return &Coordinator{
		network: network,
		polls:   map[string]*Poll{},
		logger:  logger,
	}
}

// Open creates the counterexample record for a range whose consensus
// resolved non-convergent. The proofs must be in submission order; the
// discoverer is the first submitter and the confirmers are the first two
// subsequent proofs from other users. Opening is idempotent per range.
func (c *Coordinator) Open(rangeKey string, proofs []*proof.SignedProof, consensusAt time.Time) (*Record, error) {
	c.Lock()
	defer c.Unlock()

	if existing, ok := c.polls[rangeKey]; ok {
		return existing.Record, nil
	}

	nonConvergent := []*proof.SignedProof{}
	for _, p := range proofs {
		if !p.Body.AllConverged {
			nonConvergent = append(nonConvergent, p)
		}
	}
	if len(nonConvergent) < MinConfirmations {
		return nil, ErrInsufficientConfirmation
	}

	discoverer := nonConvergent[0]

	confirmers := []string{}
	seenUsers := map[string]bool{discoverer.Body.UserID: true}
	for _, p := range nonConvergent[1:] {
		if len(confirmers) == 2 {
			break
		}
		if p.Body.UserID != "" && seenUsers[p.Body.UserID] {
			continue
		}
		seenUsers[p.Body.UserID] = true
		confirmers = append(confirmers, p.Body.WorkerID)
	}

	record := &Record{
		RangeKey:    rangeKey,
		Discoverer:  discoverer.Body.WorkerID,
		Confirmers:  confirmers,
		ConsensusAt: consensusAt.Unix(),
		EvidenceCID: discoverer.Body.EvidenceCID,
	}

	c.polls[rangeKey] = &Poll{
		Record:   record,
		Votes:    map[string]bool{},
		Deadline: consensusAt.Add(VoteDeadline).Unix(),
	}

	c.logger.WithFields(logrus.Fields{
		"range":      rangeKey,
		"discoverer": record.Discoverer,
	}).Info("Opened counterexample poll")

	return record, nil
}

// Broadcast puts the record on the content network and points a well-known
// name at it so peers can pick it up.
func (c *Coordinator) Broadcast(ctx context.Context, rangeKey string) (string, error) {
	c.Lock()
	poll, ok := c.polls[rangeKey]
	c.Unlock()

	if !ok {
		return "", ErrNoPoll
	}

	data, err := poll.Record.Marshal()
	if err != nil {
		return "", err
	}

	cid, err := c.network.Put(ctx, data)
	if err != nil {
		return "", err
	}

	name := "verinet/counterexample/" + rangeKey
	if err := c.network.PublishName(ctx, name, cid, net.DefaultNameTTL); err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"range": rangeKey,
		"cid":   cid,
	}).Info("Broadcast counterexample record")

	return cid, nil
}

// Vote casts one worker's vote on the record's acceptance. A worker votes
// exactly once; votes after the deadline close the poll instead of
// counting.
func (c *Coordinator) Vote(rangeKey string, workerID string, accept bool, now time.Time) error {
	c.Lock()
	defer c.Unlock()

	poll, ok := c.polls[rangeKey]
	if !ok {
		return ErrNoPoll
	}

	if poll.Closed {
		return ErrPollClosed
	}
	if now.Unix() >= poll.Deadline {
		c.close(rangeKey, poll)
		return ErrPollClosed
	}

	if _, ok := poll.Votes[workerID]; ok {
		return ErrAlreadyVoted
	}
	poll.Votes[workerID] = accept

	return nil
}

// close settles the poll with the current tally: accepted if and only if a
// strict majority of cast votes approves. Caller holds the lock.
func (c *Coordinator) close(rangeKey string, poll *Poll) {
	yes, no := poll.tally()
	poll.Closed = true
	poll.Accepted = 2*yes > yes+no

	c.logger.WithFields(logrus.Fields{
		"range":    rangeKey,
		"yes":      yes,
		"no":       no,
		"accepted": poll.Accepted,
	}).Info("Closed counterexample poll")
}

// CloseExpired force-closes every poll past its deadline and returns the
// range keys that were settled.
func (c *Coordinator) CloseExpired(now time.Time) []string {
	c.Lock()
	defer c.Unlock()

	closed := []string{}
	for rangeKey, poll := range c.polls {
		if poll.Closed || now.Unix() < poll.Deadline {
			continue
		}
		c.close(rangeKey, poll)
		closed = append(closed, rangeKey)
	}

	sort.Strings(closed)
	return closed
}

// Poll returns a copy of the range's poll, or nil.
func (c *Coordinator) Poll(rangeKey string) *Poll {
	c.Lock()
	defer c.Unlock()

	poll, ok := c.polls[rangeKey]
	if !ok {
		return nil
	}

	cp := *poll
	cp.Votes = map[string]bool{}
	for k, v := range poll.Votes {
		cp.Votes[k] = v
	}
	return &cp
}

// Polls returns copies of all polls, ordered by range key.
func (c *Coordinator) Polls() []*Poll {
	c.Lock()
	defer c.Unlock()

	keys := []string{}
	for k := range c.polls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := []*Poll{}
	for _, k := range keys {
		poll := c.polls[k]
		cp := *poll
		cp.Votes = map[string]bool{}
		for w, v := range poll.Votes {
			cp.Votes[w] = v
		}
		res = append(res, &cp)
	}
	return res
}
