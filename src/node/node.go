package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/config"
	"github.com/verinet/verinet/src/consensus"
	"github.com/verinet/verinet/src/dispute"
	"github.com/verinet/verinet/src/gossip"
	"github.com/verinet/verinet/src/monitor"
	"github.com/verinet/verinet/src/net"
	"github.com/verinet/verinet/src/peers"
	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/sched"
	"github.com/verinet/verinet/src/state"
	"github.com/verinet/verinet/src/trust"
	"github.com/verinet/verinet/src/work"
)

// Node ties the engines together and runs their periodic tasks. Each loop
// has its own ticker and none blocks on another's I/O; closing the shutdown
// channel stops them all.
type Node struct {
	conf   *config.Config
	logger *logrus.Entry

	validator *Validator

	store       state.Store
	ledger      *trust.Ledger
	registry    *work.Registry
	engine      *consensus.Engine
	scheduler   *sched.Scheduler
	monitor     *monitor.Monitor
	coordinator *dispute.Coordinator

	network    net.ContentNetwork
	replicator *gossip.Replicator
	frontier   *gossip.Validator

	peersLock sync.Mutex
	peerSet   *peers.PeerSet

	sigintCh   chan os.Signal
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	start time.Time
}

// NewNode is a factory method that returns a Node instance.
func NewNode(
	conf *config.Config,
	validator *Validator,
	peerSet *peers.PeerSet,
	store state.Store,
	network net.ContentNetwork,
) (*Node, error) {

	logger := conf.Logger()

	ledger := trust.NewLedger(store, logger)
	registry := work.NewRegistry(store, conf.RangeSize, conf.WorkTimeout, conf.Redundancy, logger)
	engine := consensus.NewEngine(ledger, store, logger)
	scheduler := sched.NewScheduler(registry, ledger, logger)
	mon := monitor.NewMonitor(ledger, store, engine, logger)
	coordinator := dispute.NewCoordinator(network, logger)
	frontier := gossip.NewValidator(conf.RangeSize, logger)

	// Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	node := &Node{
		conf:        conf,
		logger:      logger.WithField("this_id", validator.ID()),
		validator:   validator,
		store:       store,
		ledger:      ledger,
		registry:    registry,
		engine:      engine,
		scheduler:   scheduler,
		monitor:     mon,
		coordinator: coordinator,
		network:     network,
		frontier:    frontier,
		peerSet:     peerSet,
		sigintCh:    sigintCh,
		shutdownCh:  make(chan struct{}),
	}

	replicator, err := gossip.NewReplicator(
		network,
		validator.AsPeer(),
		node.Peers,
		node.buildSnapshot,
		node.applySnapshot,
		conf.Fanout,
		logger,
	)
	if err != nil {
		return nil, err
	}
	node.replicator = replicator

	return node, nil
}

// Init primes the node: it makes sure there is work to hand out.
func (n *Node) Init() error {
	if len(n.registry.Claimable(time.Now())) < n.conf.TargetBuffer/2 {
		if _, err := n.registry.ExtendFrontier(n.conf.TargetBuffer); err != nil {
			return err
		}
	}
	return nil
}

// RunAsync starts the periodic tasks in the background.
func (n *Node) RunAsync() {
	n.logger.Debug("RunAsync")
	go n.Run()
}

// Run starts the periodic tasks and blocks until shutdown.
func (n *Node) Run() {
	n.start = time.Now()

	n.runLoop("scheduler", n.conf.SchedInterval, n.schedulerPass)
	n.runLoop("gossip", n.conf.GossipInterval, n.gossipPass)
	n.runLoop("publish", n.conf.PublishInterval, n.publishPass)
	n.runLoop("scan", n.conf.ScanInterval, n.scanPass)
	n.runLoop("refill", n.conf.RefillInterval, n.refillPass)
	n.runLoop("sweep", n.conf.SweepInterval, n.sweepPass)

	select {
	case <-n.sigintCh:
		n.Shutdown()
	case <-n.shutdownCh:
	}

	n.wg.Wait()
}

// runLoop spawns one periodic task on its own ticker.
func (n *Node) runLoop(name string, interval time.Duration, fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-n.shutdownCh:
				n.logger.WithField("loop", name).Debug("Stopping loop")
				return
			}
		}
	}()
}

// Shutdown stops all loops and closes the store.
func (n *Node) Shutdown() {
	select {
	case <-n.shutdownCh:
		return
	default:
	}

	n.logger.Debug("Shutdown")
	close(n.shutdownCh)

	if err := n.store.Close(); err != nil {
		n.logger.WithField("error", err).Error("Failed to close store")
	}
}

/* Periodic tasks */

func (n *Node) schedulerPass() {
	now := time.Now()
	n.scheduler.Evict(now)
	n.scheduler.Pass(now)
}

func (n *Node) gossipPass() {
	ctx, cancel := context.WithTimeout(context.Background(), n.conf.GossipInterval)
	defer cancel()

	n.discoverPeers(ctx)

	if err := n.replicator.GossipOnce(ctx); err != nil {
		n.logger.WithField("error", err).Debug("Gossip round had failures")
	}
}

func (n *Node) publishPass() {
	ctx, cancel := context.WithTimeout(context.Background(), n.conf.PublishInterval)
	defer cancel()

	if err := n.replicator.PublishOnce(ctx); err != nil {
		n.logger.WithField("error", err).Error("Failed to publish snapshot")
	}
}

func (n *Node) scanPass() {
	report := n.monitor.Scan(time.Now())
	if report.Risk != monitor.RiskNormal {
		n.logger.WithFields(logrus.Fields{
			"risk":    report.Risk,
			"flagged": len(report.Findings),
		}).Warn("Byzantine scan")
	}
}

func (n *Node) refillPass() {
	if len(n.registry.Claimable(time.Now())) >= n.conf.TargetBuffer/2 {
		return
	}
	if _, err := n.registry.ExtendFrontier(n.conf.TargetBuffer); err != nil {
		n.logger.WithField("error", err).Error("Failed to extend frontier")
	}
}

func (n *Node) sweepPass() {
	now := time.Now()
	n.registry.SweepTimeouts(now)
	n.coordinator.CloseExpired(now)
}

// discoverPeers folds network-discovered peers into the peer set.
func (n *Node) discoverPeers(ctx context.Context) {
	discovered, err := n.network.DiscoverPeers(ctx)
	if err != nil {
		n.logger.WithField("error", err).Debug("Peer discovery failed")
		return
	}

	n.peersLock.Lock()
	defer n.peersLock.Unlock()

	for _, pubKeyHex := range discovered {
		if _, ok := n.peerSet.ByPubKey[pubKeyHex]; ok {
			continue
		}
		n.peerSet = n.peerSet.WithNewPeer(peers.NewPeer(pubKeyHex, ""))
	}
}

// Peers returns the current peer set.
func (n *Node) Peers() *peers.PeerSet {
	n.peersLock.Lock()
	defer n.peersLock.Unlock()
	return n.peerSet
}

/* Operations */

// RegisterWorker creates the worker and its owning user account from the
// worker's public key. An empty workerID gets a fresh one assigned.
func (n *Node) RegisterWorker(workerID string, pubKeyHex string) (*trust.WorkerStats, error) {
	if workerID == "" {
		workerID = "W" + uuid.New().String()
	}

	peer := peers.NewPeer(pubKeyHex, "")
	pubBytes, err := peer.PubKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %v", err)
	}
	userID := trust.DeriveUserID(pubBytes)

	stats, err := n.ledger.Register(workerID, userID, peer.PubKeyString())
	if err != nil {
		return nil, err
	}

	n.scheduler.Register(workerID, userID, time.Now())

	return stats, nil
}

// Heartbeat keeps a worker in the scheduler's live set.
func (n *Node) Heartbeat(workerID string) error {
	return n.scheduler.Heartbeat(workerID, time.Now())
}

// NextWork claims the best available assignment for the worker.
func (n *Node) NextWork(workerID string) (*work.Assignment, error) {
	if n.ledger.IsBanned(workerID) {
		return nil, consensus.ErrBannedWorker
	}

	stats, err := n.store.Worker(workerID)
	if err != nil {
		return nil, err
	}

	return n.registry.Next(workerID, stats.UserID, time.Now())
}

// CreateAssignment registers a user-defined assignment, subject to the
// creator's tier ceiling.
func (n *Node) CreateAssignment(userID string, start, end uint64, priority int) (*work.Assignment, error) {
	size := uint64(0)
	if end > start {
		size = end - start
	}
	if !n.ledger.CanCreateAssignment(userID, size) {
		return nil, fmt.Errorf("user %s may not create an assignment of %d numbers", userID, size)
	}
	return n.registry.Create(userID, start, end, priority)
}

// Generate extends the work frontier by count assignments.
func (n *Node) Generate(count int) ([]*work.Assignment, error) {
	return n.registry.ExtendFrontier(count)
}

// SubmitProof runs the full pipeline on a submitted proof: validation (a
// failure bans the submitter), activity credit, consensus, assignment
// bookkeeping, frontier advance, and counterexample triggering.
func (n *Node) SubmitProof(p *proof.SignedProof) (*consensus.Result, error) {
	now := time.Now()

	if err := p.Validate(now); err != nil {
		n.logger.WithFields(logrus.Fields{
			"worker": p.Body.WorkerID,
			"error":  err,
		}).Warn("Rejecting malicious proof")

		if banErr := n.ledger.Ban(p.Body.WorkerID, err.Error()); banErr != nil {
			n.logger.WithField("error", banErr).Debug("Could not ban unknown worker")
		}
		return nil, err
	}

	// proofs may arrive from workers registered on other nodes
	if _, err := n.store.Worker(p.Body.WorkerID); err != nil {
		if _, err := n.ledger.Register(p.Body.WorkerID, p.Body.UserID, p.PublicKey); err != nil {
			return nil, err
		}
	}

	if err := n.ledger.RecordActivity(p.Body.WorkerID, p.Body.NumbersChecked, p.Body.ComputeTime); err != nil {
		return nil, err
	}

	result, err := n.engine.Submit(p, now)
	if err != nil {
		return nil, err
	}

	if a, err := n.registry.ByKey(p.Key()); err == nil && a.ClaimedBy(p.Body.WorkerID) {
		if _, err := n.registry.MarkDone(a.ID, p.Body.WorkerID, now); err != nil {
			n.logger.WithFields(logrus.Fields{
				"assignment": a.ID,
				"error":      err,
			}).Error("Failed to mark claim done")
		}
	}
	n.scheduler.Complete(p.Body.WorkerID)

	if result.Resolved {
		n.finalize(result, now)
	}

	return result, nil
}

// finalize applies a consensus resolution: assignment status, frontier
// advance, and counterexample handling.
func (n *Node) finalize(result *consensus.Result, now time.Time) {
	if a, err := n.registry.ByKey(result.RangeKey); err == nil {
		if result.AllConverged {
			n.registry.MarkVerified(a.ID)
		} else {
			n.registry.MarkFailed(a.ID)
		}
	}

	if result.AllConverged {
		n.advanceFrontier(now)
		return
	}

	if result.Votes >= dispute.MinConfirmations {
		record, err := n.coordinator.Open(result.RangeKey, n.store.ProofsByRange(result.RangeKey), now)
		if err != nil {
			n.logger.WithField("error", err).Debug("No counterexample record")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if _, err := n.coordinator.Broadcast(ctx, record.RangeKey); err != nil {
			n.logger.WithField("error", err).Error("Failed to broadcast counterexample")
		}
	}
}

// advanceFrontier pushes the verified frontier over every contiguous
// verified assignment beyond it.
func (n *Node) advanceFrontier(now time.Time) {
	current := n.store.Frontier()
	candidate := current

	span := n.store.AssignmentsInRange(current, current+uint64(gossip.MaxForwardRanges)*n.conf.RangeSize)
	sort.Slice(span, func(i, j int) bool { return span[i].RangeStart < span[j].RangeStart })

	for _, a := range span {
		if a.Status != work.Verified {
			break
		}
		if a.RangeStart > candidate {
			break
		}
		if a.RangeEnd > candidate {
			candidate = a.RangeEnd
		}
	}

	if candidate == current {
		return
	}

	if err := n.frontier.Validate(current, candidate, n.store, now); err != nil {
		n.logger.WithFields(logrus.Fields{
			"candidate": candidate,
			"error":     err,
		}).Debug("Frontier advance not yet backed")
		return
	}

	n.store.SetFrontier(candidate)

	n.logger.WithFields(logrus.Fields{
		"from": current,
		"to":   candidate,
	}).Info("Advanced global frontier")
}

// ClaimProgress validates and applies an explicit frontier claim from a
// user.
func (n *Node) ClaimProgress(userID string, claim uint64) error {
	if !n.ledger.CanClaimProgress(userID) {
		return fmt.Errorf("user %s may not claim progress", userID)
	}

	current := n.store.Frontier()
	if err := n.frontier.Validate(current, claim, n.store, time.Now()); err != nil {
		return err
	}

	if claim > current {
		return n.store.SetFrontier(claim)
	}
	return nil
}

// Vote casts a worker's vote on a counterexample poll.
func (n *Node) Vote(rangeKey string, workerID string, accept bool) error {
	if n.ledger.IsBanned(workerID) {
		return consensus.ErrBannedWorker
	}
	return n.coordinator.Vote(rangeKey, workerID, accept, time.Now())
}

// Counterexamples returns all counterexample polls.
func (n *Node) Counterexamples() []*dispute.Poll {
	return n.coordinator.Polls()
}

// TrustSummary returns a user's account and worker standings.
func (n *Node) TrustSummary(userID string) (*trust.UserSummary, error) {
	return n.ledger.Summary(userID)
}

// Leaderboard returns the top contributors.
func (n *Node) Leaderboard(limit int) []*trust.UserAccount {
	return n.ledger.Leaderboard(limit)
}

/* Gossip plumbing */

// buildSnapshot captures the node's shared state for publication.
func (n *Node) buildSnapshot() (*gossip.Snapshot, error) {
	snapshot := gossip.NewSnapshot(n.validator.PublicKeyHex())
	snapshot.GlobalFrontier = n.store.Frontier()
	snapshot.Timestamp = time.Now().Unix()

	for _, a := range n.store.Assignments() {
		snapshot.WorkAssignments[a.ID] = a
	}
	for _, p := range n.store.Proofs() {
		snapshot.VerificationProofs[p.ID] = p
	}
	for _, u := range n.store.Users() {
		snapshot.UserAccounts[u.UserID] = u
	}
	snapshot.StatusCounts = n.registry.StatusCounts()

	return snapshot, nil
}

// applySnapshot merges a peer's snapshot into local state. Unknown proofs
// run through the same pipeline as local submissions, and the remote
// frontier is only adopted if the merged evidence backs it.
func (n *Node) applySnapshot(remote *gossip.Snapshot) error {
	now := time.Now()

	local, err := n.buildSnapshot()
	if err != nil {
		return err
	}

	merged := gossip.Merge(local, remote)

	for _, a := range merged.WorkAssignments {
		if err := n.store.SetAssignment(a); err != nil {
			return err
		}
	}
	for _, account := range merged.UserAccounts {
		if err := n.store.SetUser(account); err != nil {
			return err
		}
	}

	for _, p := range remote.VerificationProofs {
		if _, err := n.store.Proof(p.ID); err == nil {
			continue
		}

		if err := p.Validate(now); err != nil {
			n.logger.WithFields(logrus.Fields{
				"proof": p.ID,
				"error": err,
			}).Warn("Dropping invalid gossiped proof")
			continue
		}

		// proofs for settled ranges are kept for audit without re-running
		// consensus
		if a, err := n.store.AssignmentByKey(p.Key()); err == nil &&
			(a.Status == work.Verified || a.Status == work.Failed) {
			n.store.SetProof(p)
			continue
		}

		if _, err := n.store.Worker(p.Body.WorkerID); err != nil {
			if _, err := n.ledger.Register(p.Body.WorkerID, p.Body.UserID, p.PublicKey); err != nil {
				continue
			}
		}

		result, err := n.engine.Submit(p, now)
		if err != nil {
			if err != consensus.ErrDuplicate && err != consensus.ErrBannedWorker {
				n.logger.WithFields(logrus.Fields{
					"proof": p.ID,
					"error": err,
				}).Error("Failed to apply gossiped proof")
			}
			continue
		}
		if result.Resolved {
			n.finalize(result, now)
		}
	}

	if remote.GlobalFrontier > n.store.Frontier() {
		if err := n.frontier.Validate(n.store.Frontier(), remote.GlobalFrontier, n.store, now); err != nil {
			n.logger.WithFields(logrus.Fields{
				"publisher": remote.PublisherID,
				"frontier":  remote.GlobalFrontier,
				"error":     err,
			}).Warn("Rejecting gossiped frontier claim")
		} else if err := n.store.SetFrontier(remote.GlobalFrontier); err != nil {
			return err
		}
	}

	return nil
}

// GetStats returns the operational counters exposed by the service.
func (n *Node) GetStats() map[string]string {
	now := time.Now()

	toString := func(i int) string { return strconv.Itoa(i) }

	stats := n.ledger.Statistics()

	res := map[string]string{
		"id":              fmt.Sprint(n.validator.ID()),
		"moniker":         n.validator.Moniker,
		"global_frontier": strconv.FormatUint(n.store.Frontier(), 10),
		"num_peers":       toString(n.Peers().Len()),
		"live_workers":    toString(n.scheduler.LiveWorkers(now)),
		"total_workers":   toString(stats.TotalWorkers),
		"total_users":     toString(stats.TotalUsers),
		"total_checked":   strconv.FormatUint(stats.TotalChecked, 10),
		"compute_hours":   strconv.FormatFloat(stats.TotalComputeHours, 'f', 2, 64),
		"sec_per_billion": strconv.FormatFloat(stats.SecondsPerBillion, 'f', 2, 64),
		"pending_ranges":  toString(len(n.engine.Pending())),
	}

	for status, count := range n.registry.StatusCounts() {
		res["assignments_"+status] = toString(count)
	}

	if report := n.monitor.LastReport(); report != nil {
		res["risk"] = string(report.Risk)
	} else {
		res["risk"] = string(monitor.RiskNormal)
	}

	if !n.start.IsZero() {
		res["uptime"] = now.Sub(n.start).String()
	}

	return res
}
