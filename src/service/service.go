package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/node"
	"github.com/verinet/verinet/src/proof"
)

// Service exposes the node's API over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService instantiates the service and registers its handlers.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	http.HandleFunc("/register", s.makeHandler(s.Register))
	http.HandleFunc("/work", s.makeHandler(s.GetWork))
	http.HandleFunc("/heartbeat", s.makeHandler(s.Heartbeat))
	http.HandleFunc("/proofs", s.makeHandler(s.SubmitProof))
	http.HandleFunc("/assignments", s.makeHandler(s.CreateAssignment))
	http.HandleFunc("/generate", s.makeHandler(s.Generate))
	http.HandleFunc("/progress", s.makeHandler(s.ClaimProgress))
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/trust", s.makeHandler(s.GetTrust))
	http.HandleFunc("/leaderboard", s.makeHandler(s.GetLeaderboard))
	http.HandleFunc("/counterexample", s.makeHandler(s.GetCounterexamples))
	http.HandleFunc("/vote", s.makeHandler(s.Vote))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination; the handlers have
// already been registered when the service was instantiated.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// RegisterRequest is the body of a POST /register call.
type RegisterRequest struct {
	WorkerID  string `json:"worker_id"`
	PublicKey string `json:"public_key"`
}

// Register creates a worker and its owning user account.
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "expected POST", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := s.node.RegisterWorker(req.WorkerID, req.PublicKey)
	if err != nil {
		s.logger.WithError(err).Error("Registering worker")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, stats)
}

// GetWork claims the best available assignment for the worker named in the
// "worker" query parameter.
func (s *Service) GetWork(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		http.Error(w, "missing worker parameter", http.StatusBadRequest)
		return
	}

	assignment, err := s.node.NextWork(workerID)
	if err != nil {
		s.logger.WithError(err).Debugf("No work for %s", workerID)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, assignment)
}

// HeartbeatRequest is the body of a POST /heartbeat call.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// Heartbeat keeps a worker in the live set.
func (s *Service) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "expected POST", http.StatusMethodNotAllowed)
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.node.Heartbeat(req.WorkerID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SubmitProof runs a signed proof through the verification pipeline.
func (s *Service) SubmitProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "expected POST", http.StatusMethodNotAllowed)
		return
	}

	var p proof.SignedProof
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.node.SubmitProof(&p)
	if err != nil {
		s.logger.WithError(err).Errorf("Rejecting proof from %s", p.Body.WorkerID)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, result)
}

// CreateAssignmentRequest is the body of a POST /assignments call.
type CreateAssignmentRequest struct {
	UserID     string `json:"user_id"`
	RangeStart uint64 `json:"range_start"`
	RangeEnd   uint64 `json:"range_end"`
	Priority   int    `json:"priority"`
}

// CreateAssignment registers a user-defined assignment.
func (s *Service) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "expected POST", http.StatusMethodNotAllowed)
		return
	}

	var req CreateAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	assignment, err := s.node.CreateAssignment(req.UserID, req.RangeStart, req.RangeEnd, req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	writeJSON(w, assignment)
}

// Generate extends the work frontier. The "n" query parameter sets how many
// assignments to generate; it defaults to 1.
func (s *Service) Generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "expected POST", http.StatusMethodNotAllowed)
		return
	}

	count := 1
	if param := r.URL.Query().Get("n"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		count = parsed
	}

	generated, err := s.node.Generate(count)
	if err != nil {
		s.logger.WithError(err).Error("Extending frontier")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, generated)
}

// ClaimProgressRequest is the body of a POST /progress call.
type ClaimProgressRequest struct {
	UserID   string `json:"user_id"`
	Frontier uint64 `json:"frontier"`
}

// ClaimProgress validates and applies an explicit frontier claim.
func (s *Service) ClaimProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "expected POST", http.StatusMethodNotAllowed)
		return
	}

	var req ClaimProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.node.ClaimProgress(req.UserID, req.Frontier); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStats returns the node's operational counters.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.GetStats())
}

// GetTrust returns a user's account and worker standings. The user is named
// in the "user" query parameter.
func (s *Service) GetTrust(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	summary, err := s.node.TrustSummary(userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, summary)
}

// GetLeaderboard returns the top contributors. The "limit" query parameter
// caps the list; it defaults to 10.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if param := r.URL.Query().Get("limit"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	writeJSON(w, s.node.Leaderboard(limit))
}

// GetCounterexamples returns all counterexample polls.
func (s *Service) GetCounterexamples(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Counterexamples())
}

// VoteRequest is the body of a POST /vote call.
type VoteRequest struct {
	RangeKey string `json:"range_key"`
	WorkerID string `json:"worker_id"`
	Accept   bool   `json:"accept"`
}

// Vote casts a worker's vote on a counterexample poll.
func (s *Service) Vote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "expected POST", http.StatusMethodNotAllowed)
		return
	}

	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.node.Vote(req.RangeKey, req.WorkerID, req.Accept); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPeers returns the current peer set.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Peers().Peers)
}
