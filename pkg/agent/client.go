package agent

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
)

// Client manages communication with the manager daemon
type Client struct {
	managerURL  string
	httpClient  *http.Client
	workerID    string
	apiKey      string
	workerToken string
}

// NewClient creates a new agent client
func NewClient(managerURL string) *Client {
	return &Client{
		managerURL: managerURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithTLS creates a new agent client with TLS support
func NewClientWithTLS(managerURL string, tlsConfig *tls.Config) *Client {
	return &Client{
		managerURL: managerURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
	}
}

// SetAPIKey sets the API key for authentication
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// WorkerID returns the ID assigned by the manager after registration
func (c *Client) WorkerID() string {
	return c.workerID
}

// addAuthHeader adds authentication headers to a request. After
// registration the per-worker token takes over from the shared API key.
func (c *Client) addAuthHeader(req *http.Request) {
	if c.workerToken != "" && c.workerID != "" {
		req.Header.Set("Authorization", "Bearer "+c.workerToken)
		req.Header.Set("X-Worker-ID", c.workerID)
		return
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Register registers the worker with the manager
func (c *Client) Register(reg *models.WorkerRegistration) (*models.Worker, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration: %w", err)
	}

	req, err := http.NewRequest("POST", c.managerURL+"/workers/register", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send registration: %w", err)
	}
	defer resp.Body.Close()

	// 201 for a new worker, 200 when re-registering an existing address
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, string(body))
	}

	var registered models.RegisteredWorker
	if err := json.NewDecoder(resp.Body).Decode(&registered); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}
	if registered.Worker == nil {
		return nil, fmt.Errorf("registration response carried no worker")
	}

	c.workerID = registered.Worker.ID
	c.workerToken = registered.Token
	return registered.Worker, nil
}

// SendHeartbeat sends a heartbeat to the manager
func (c *Client) SendHeartbeat() error {
	if c.workerID == "" {
		return fmt.Errorf("worker not registered")
	}

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/workers/%s/heartbeat", c.managerURL, c.workerID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("heartbeat failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Lease is a batch of evaluations handed out by the manager together
// with the run they belong to.
type Lease struct {
	Run         *models.Run          `json:"run"`
	Evaluations []*models.Evaluation `json:"evaluations"`
	Count       int                  `json:"count"`
}

// NextEvaluations asks the manager for up to limit evaluations to work on.
// A nil lease means no work is available.
func (c *Client) NextEvaluations(limit int) (*Lease, error) {
	if c.workerID == "" {
		return nil, fmt.Errorf("worker not registered")
	}
	if limit <= 0 {
		limit = 1
	}

	endpoint := fmt.Sprintf("%s/evals/next?worker_id=%s&limit=%d",
		c.managerURL, url.QueryEscape(c.workerID), limit)
	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request work: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("work request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var lease Lease
	if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
		return nil, fmt.Errorf("failed to decode lease: %w", err)
	}
	if lease.Count == 0 {
		return nil, nil
	}
	return &lease, nil
}

// SendResults reports simulator outputs back to the manager
func (c *Client) SendResults(result *models.EvalResult) error {
	if c.workerID == "" {
		return fmt.Errorf("worker not registered")
	}
	result.WorkerID = c.workerID

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	req, err := http.NewRequest("POST", c.managerURL+"/results", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("results submission failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Deregister removes the worker from the manager
func (c *Client) Deregister() error {
	if c.workerID == "" {
		return nil
	}

	req, err := http.NewRequest("DELETE", fmt.Sprintf("%s/workers/%s", c.managerURL, c.workerID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deregister: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("deregistration failed with status %d: %s", resp.StatusCode, string(body))
	}

	c.workerID = ""
	c.workerToken = ""
	return nil
}
