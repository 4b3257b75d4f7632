// Package inference calls the fix-generation model service.
//
// The model service is an HTTP endpoint that takes a failing test script,
// the failure detail, and retrieved context, and returns a candidate
// replacement script with a rationale and a self-reported quality signal.
// The engine never trusts the model blindly: every proposal still goes
// through human approval.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrGenerationFailed indicates the model service errored or returned
	// an unusable proposal.
	ErrGenerationFailed = errors.New("fix generation failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// FixRequest is the input to fix generation.
type FixRequest struct {
	Tenant        string `json:"tenant"`
	TestID        string `json:"test_id"`
	Script        string `json:"script"`
	FailureDetail string `json:"failure_detail"`
	Context       string `json:"context,omitempty"`
	UIChanges     string `json:"ui_changes,omitempty"`
}

// FixProposal is a candidate fix from the model.
type FixProposal struct {
	// Script is the proposed replacement test script.
	Script string `json:"script"`

	// Rationale explains the change in the model's words.
	Rationale string `json:"rationale"`

	// Quality is the model's self-reported confidence in [0,1]. Zero
	// means the model reported none; callers fall back to a heuristic.
	Quality float64 `json:"quality"`
}

// Generator proposes fixes for failing test scripts.
type Generator interface {
	ProposeFix(ctx context.Context, req FixRequest) (*FixProposal, error)
}

// Config holds configuration for the model client.
type Config struct {
	// BaseURL is the base URL of the model service.
	BaseURL string `koanf:"base_url"`

	// Model names the model to request.
	Model string `koanf:"model"`

	// APIKey is the bearer token, if the service requires one.
	APIKey string `koanf:"api_key"`

	// Timeout bounds each generation request.
	Timeout time.Duration `koanf:"timeout"`
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// Client is the HTTP Generator implementation.
type Client struct {
	config Config
	client *http.Client
}

// NewClient creates a model client with the given configuration.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type generateRequest struct {
	Model string `json:"model,omitempty"`
	FixRequest
}

// ProposeFix implements Generator.
func (c *Client) ProposeFix(ctx context.Context, req FixRequest) (*FixProposal, error) {
	if req.Script == "" {
		return nil, fmt.Errorf("%w: script cannot be empty", ErrGenerationFailed)
	}

	body, err := json.Marshal(generateRequest{Model: c.config.Model, FixRequest: req})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/fix", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrGenerationFailed, resp.StatusCode, string(respBody))
	}

	var proposal FixProposal
	if err := json.NewDecoder(resp.Body).Decode(&proposal); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if strings.TrimSpace(proposal.Script) == "" {
		return nil, fmt.Errorf("%w: model returned an empty script", ErrGenerationFailed)
	}
	if proposal.Quality < 0 || proposal.Quality > 1 {
		return nil, fmt.Errorf("%w: quality %f outside [0,1]", ErrGenerationFailed, proposal.Quality)
	}
	return &proposal, nil
}
