package classify

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

	"github.com/ppiankov/guardiansms/internal/model"
)

// LLMConfig holds parameters for an OpenAI-compatible chat completions
// endpoint.
type LLMConfig struct {
	APIURL    string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

const llmSystemPrompt = `You are an SMS fraud classifier for a mobile phone user in Colombia. You receive one SMS and must decide whether it is a phishing, smishing or scam attempt.

Signals of a threat: links to unofficial domains, urgency or threats, prize or refund offers, requests for codes, passwords or card data, impersonation of banks, couriers, telcos or government.

Return ONLY valid JSON, no markdown fences, no commentary:
{"is_threat":<true|false>,"risk_score":<0-100>,"rationale":"<one short sentence>"}`

// LLM classifies messages with a chat completions model.
type LLM struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLM creates an LLM classifier.
func NewLLM(cfg LLMConfig) *LLM {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &LLM{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Classify sends msg to the model. Transport failures are reported as
// model.ErrClassifierUnavailable.
func (l *LLM) Classify(ctx context.Context, msg model.InboundMessage) (model.Verdict, error) {
	user := fmt.Sprintf("Sender: %s\nMessage:\n%s", msg.Sender, msg.Body)
	messages := []map[string]string{
		{"role": "system", "content": llmSystemPrompt},
		{"role": "user", "content": user},
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model":       l.cfg.Model,
		"messages":    messages,
		"max_tokens":  l.cfg.MaxTokens,
		"temperature": 0,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return model.Verdict{}, fmt.Errorf("create request: %w", err)
	}
	if l.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return model.Verdict{}, fmt.Errorf("classify request: %w", err)
		}
		return model.Verdict{}, fmt.Errorf("%w: %v", model.ErrClassifierUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return model.Verdict{}, fmt.Errorf("%w: HTTP %d", model.ErrClassifierUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Verdict{}, fmt.Errorf("classify HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return model.Verdict{}, fmt.Errorf("empty classify response")
	}

	v, err := parseVerdict(result.Choices[0].Message.Content)
	if err != nil {
		return model.Verdict{}, err
	}
	v.MessageID = msg.ID
	return v, nil
}

// parseVerdict extracts the verdict JSON from a model reply.
func parseVerdict(raw string) (model.Verdict, error) {
	raw = cleanJSON(raw)

	var reply struct {
		IsThreat  bool   `json:"is_threat"`
		RiskScore int    `json:"risk_score"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return model.Verdict{}, fmt.Errorf("cannot parse classification response: %s", model.Truncate(raw, 200))
	}
	return model.Verdict{
		IsThreat:  reply.IsThreat,
		RiskScore: clampScore(reply.RiskScore),
		Rationale: reply.Rationale,
	}, nil
}

// cleanJSON strips markdown fences and leading/trailing whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
