package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verinet/verinet/src/consensus"
	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/trust"
	"github.com/verinet/verinet/src/work"
)

// HTTPClient drives a remote node through its HTTP API. It implements the
// Node interface so a Worker can use local and remote nodes interchangeably.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a client for the service at baseURL, eg.
// "http://127.0.0.1:8000".
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) post(path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := c.client.Post(c.baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) get(path string, out interface{}) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// RegisterWorker creates the worker on the remote node.
func (c *HTTPClient) RegisterWorker(workerID string, pubKeyHex string) (*trust.WorkerStats, error) {
	stats := new(trust.WorkerStats)

	err := c.post("/register", map[string]string{
		"worker_id":  workerID,
		"public_key": pubKeyHex,
	}, stats)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// NextWork claims an assignment from the remote node.
func (c *HTTPClient) NextWork(workerID string) (*work.Assignment, error) {
	assignment := new(work.Assignment)

	err := c.get("/work?worker="+url.QueryEscape(workerID), assignment)
	if err != nil {
		return nil, err
	}

	return assignment, nil
}

// Heartbeat keeps the worker in the remote node's live set.
func (c *HTTPClient) Heartbeat(workerID string) error {
	return c.post("/heartbeat", map[string]string{"worker_id": workerID}, nil)
}

// SubmitProof sends a signed proof to the remote node.
func (c *HTTPClient) SubmitProof(p *proof.SignedProof) (*consensus.Result, error) {
	result := new(consensus.Result)

	if err := c.post("/proofs", p, result); err != nil {
		return nil, err
	}

	return result, nil
}
