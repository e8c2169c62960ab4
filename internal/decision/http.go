package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// HTTPConfig configures a remote, chat-completions compatible model.
type HTTPConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
}

// HTTP asks a remote model for a decision and validates the JSON answer.
type HTTP struct {
	cfg        HTTPConfig
	httpClient *http.Client
	schema     *jsonschema.Schema
	log        *slog.Logger
}

var _ Decider = (*HTTP)(nil)

// NewHTTP builds an HTTP decider. client may be nil.
func NewHTTP(cfg HTTPConfig, client *http.Client, logger *slog.Logger) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("decider base url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	schema, err := compileSchema(outcomeSchema)
	if err != nil {
		return nil, err
	}
	return &HTTP{cfg: cfg, httpClient: client, schema: schema, log: logger}, nil
}

// Decide implements Decider.
func (h *HTTP) Decide(ctx context.Context, study types.Study, criteria types.Criteria) (types.Outcome, error) {
	if err := CheckStudy(study); err != nil {
		return types.Outcome{}, err
	}

	rid := uuid.New().String()
	start := time.Now()

	body := map[string]any{
		"model":           h.cfg.Model,
		"temperature":     h.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt(study, criteria)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(outcomeSchema)},
		},
	}

	endpoint := strings.TrimRight(h.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := h.post(ctx, rid, endpoint, body)
	if err != nil {
		h.log.Error("decision.http.error",
			"req_id", rid, "study", study.ID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return types.Outcome{}, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return types.Outcome{}, types.Transient("decide", fmt.Errorf("decode response: %w", err))
	}
	if len(cc.Choices) == 0 {
		return types.Outcome{}, types.Transient("decide", errors.New("no choices in response"))
	}

	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))
	if err := validateJSON(h.schema, content); err != nil {
		h.log.Error("decision.http.schema_validation_failed",
			"req_id", rid, "study", study.ID, "error", err, "content", string(content))
		return types.Outcome{}, types.Transient("decide", fmt.Errorf("schema validation failed: %w", err))
	}

	var out types.Outcome
	if err := json.Unmarshal(content, &out); err != nil {
		return types.Outcome{}, types.Transient("decide", fmt.Errorf("unmarshal outcome: %w", err))
	}

	h.log.Debug("decision.http.ok",
		"req_id", rid, "study", study.ID, "decision", out.Decision,
		"confidence", out.Confidence, "elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (h *HTTP) post(ctx context.Context, rid, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, types.Permanent("decide", fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, types.Permanent("decide", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", rid)
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, types.Transient("decide", fmt.Errorf("http error: %w", err))
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			h.log.Warn("decision.http.response_body_close_error", "req_id", rid, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.Transient("decide", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp.StatusCode, raw)
	}
	return raw, nil
}

// statusError classifies a non-2xx answer: timeouts, throttling and server
// errors are retryable, other client errors are not.
func statusError(code int, raw []byte) error {
	err := fmt.Errorf("status %d: %s", code, truncate(string(raw), 200))
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return types.Transient("decide", err)
	default:
		return types.Permanent("decide", err)
	}
}

const systemPrompt = "You screen academic studies for a systematic literature review. " +
	"Decide include, exclude or maybe against the given criteria. " +
	"Exclusion criteria take precedence. Return ONLY JSON matching the provided schema."

func userPrompt(study types.Study, criteria types.Criteria) string {
	var b strings.Builder
	b.WriteString("Inclusion criteria:\n")
	for _, c := range criteria.Inclusion {
		b.WriteString("- " + c + "\n")
	}
	b.WriteString("Exclusion criteria:\n")
	for _, c := range criteria.Exclusion {
		b.WriteString("- " + c + "\n")
	}
	b.WriteString("\nTitle: " + study.Title + "\n")
	if study.Abstract != "" {
		b.WriteString("Abstract: " + study.Abstract + "\n")
	}
	if len(study.Keywords) > 0 {
		b.WriteString("Keywords: " + strings.Join(study.Keywords, ", ") + "\n")
	}
	if study.Year > 0 {
		fmt.Fprintf(&b, "Year: %d\n", study.Year)
	}
	return b.String()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
