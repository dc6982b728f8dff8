package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/circuitbreaker"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
)

// ErrEmptyResponse is returned when the model service answers with no text.
var ErrEmptyResponse = errors.New("llm: empty model response")

// Config for the model service client.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

// CompletionRequest is one call to the model service. Operation tags the call
// for metrics and routing ("plan", "extract", "synthesize").
type CompletionRequest struct {
	Operation   string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	Tier        string
	WorkflowID  string
}

// CompletionResponse carries the model text plus usage accounting.
type CompletionResponse struct {
	Text         string
	Model        string
	Provider     string
	TokensUsed   int
	InputTokens  int
	OutputTokens int
}

// Client talks to the model service over HTTP through a circuit breaker.
type Client struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	cfg     Config
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(httpClient, "model-service", logger),
		cfg:     cfg,
		logger:  logger,
	}
}

// BreakerState exposes the breaker for health reporting.
func (c *Client) BreakerState() circuitbreaker.State { return c.http.State() }

// Complete sends a prompt to the model service and returns the raw text.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	tier := req.Tier
	if tier == "" {
		tier = "small"
	}

	body := map[string]interface{}{
		"query":       req.User,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
		"agent_id":    req.Operation,
		"model_tier":  tier,
		"context": map[string]interface{}{
			"system_prompt":      req.System,
			"parent_workflow_id": req.WorkflowID,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/query", strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Agent-ID", req.Operation)
	if req.WorkflowID != "" {
		httpReq.Header.Set("X-Workflow-ID", req.WorkflowID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		ometrics.ModelCalls.WithLabelValues(req.Operation, "error").Inc()
		return nil, fmt.Errorf("llm: %s call failed: %w", req.Operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ometrics.ModelCalls.WithLabelValues(req.Operation, "error").Inc()
		return nil, fmt.Errorf("llm: %s returned HTTP %d", req.Operation, resp.StatusCode)
	}

	var raw struct {
		Success  bool   `json:"success"`
		Response string `json:"response"`
		Metadata struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"metadata"`
		TokensUsed int    `json:"tokens_used"`
		ModelUsed  string `json:"model_used"`
		Provider   string `json:"provider"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		ometrics.ModelCalls.WithLabelValues(req.Operation, "error").Inc()
		return nil, fmt.Errorf("llm: parse %s response: %w", req.Operation, err)
	}
	if strings.TrimSpace(raw.Response) == "" {
		ometrics.ModelCalls.WithLabelValues(req.Operation, "empty").Inc()
		return nil, ErrEmptyResponse
	}

	ometrics.ModelCalls.WithLabelValues(req.Operation, "ok").Inc()
	ometrics.ModelCallLatency.WithLabelValues(req.Operation).Observe(time.Since(start).Seconds())

	return &CompletionResponse{
		Text:         raw.Response,
		Model:        raw.ModelUsed,
		Provider:     raw.Provider,
		TokensUsed:   raw.TokensUsed,
		InputTokens:  raw.Metadata.InputTokens,
		OutputTokens: raw.Metadata.OutputTokens,
	}, nil
}

// ExtractJSON pulls the first top-level JSON object out of model prose.
// Models frequently wrap structured output in commentary or code fences.
func ExtractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("llm: no JSON object in response")
	}
	return text[start : end+1], nil
}

// UnmarshalResponse decodes the JSON portion of model prose into out.
func UnmarshalResponse(text string, out interface{}) error {
	jsonStr, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("llm: decode response JSON: %w", err)
	}
	return nil
}
