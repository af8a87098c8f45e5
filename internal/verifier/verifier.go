// Package verifier judges task completion by asking an OpenAI-compatible
// chat completions endpoint, with regex heuristics as the fallback when
// the endpoint is disabled or failing.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/clock"
	"github.com/foremanhq/foreman/internal/common/logger"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const (
	// verifyTimeout caps one completion-verification call.
	verifyTimeout = 60 * time.Second
	// summaryTimeout caps one status-summary call.
	summaryTimeout = 15 * time.Second
	// settingsTTL is how long loaded settings are reused before the
	// store is consulted again.
	settingsTTL = 30 * time.Second
	// outputTailChars is how much terminal output is shown to the model.
	outputTailChars = 8000
	// summaryMaxChars bounds the human progress string.
	summaryMaxChars = 100
)

const systemPrompt = `You are a task completion verifier. Respond ONLY with ` +
	"`{\"passed\":bool,\"feedback\":string,\"confidence\":number 0..1}`."

// SettingsSource loads the persisted verifier settings; implemented by
// the session store.
type SettingsSource interface {
	VerifierSettings(ctx context.Context) (v1.VerifierSettings, error)
}

// Verifier calls the judging LLM. Safe for concurrent use.
type Verifier struct {
	source SettingsSource
	client *http.Client
	clock  clock.Clock
	logger *logger.Logger

	mu          sync.Mutex
	cached      v1.VerifierSettings
	cachedAt    time.Time
	cacheLoaded bool
}

// New creates a verifier backed by the given settings source.
func New(source SettingsSource, clk clock.Clock, log *logger.Logger) *Verifier {
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{
		source: source,
		client: &http.Client{},
		clock:  clk,
		logger: log.WithFields(zap.String("component", "verifier")),
	}
}

// InvalidateSettings drops the cached settings; called after settings
// writes.
func (v *Verifier) InvalidateSettings() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cacheLoaded = false
}

func (v *Verifier) settings(ctx context.Context) v1.VerifierSettings {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cacheLoaded && v.clock.Since(v.cachedAt) < settingsTTL {
		return v.cached
	}
	s, err := v.source.VerifierSettings(ctx)
	if err != nil {
		v.logger.Warn("failed to load verifier settings, using fallback", zap.Error(err))
		return v1.VerifierSettings{}
	}
	v.cached = s
	v.cachedAt = v.clock.Now()
	v.cacheLoaded = true
	return s
}

// Verify judges whether the task is complete given the terminal output.
// Never returns an error: any failure routes through the fallback
// heuristic.
func (v *Verifier) Verify(ctx context.Context, task *v1.Task, output string) v1.VerificationResult {
	s := v.settings(ctx)
	if !s.Enabled || s.APIKey == "" {
		v.logger.Debug("verifier disabled, using fallback", zap.String("task_id", task.ID))
		return Fallback(output)
	}

	content, err := v.complete(ctx, s, verifyTimeout, systemPrompt, verifyUserPrompt(task, output))
	if err != nil {
		v.logger.Warn("verification call failed, using fallback",
			zap.String("task_id", task.ID), zap.Error(err))
		return Fallback(output)
	}

	result, ok := parseResult(content)
	if !ok {
		v.logger.Warn("verification response unparseable, using fallback",
			zap.String("task_id", task.ID))
		return Fallback(output)
	}
	v.logger.Info("verification complete",
		zap.String("task_id", task.ID),
		zap.Bool("passed", result.Passed),
		zap.Float64("confidence", result.Confidence))
	return result
}

// StatusSummary returns a short human progress phrase for the given
// output tail, falling back to fixed phrases when the endpoint is
// unavailable.
func (v *Verifier) StatusSummary(ctx context.Context, taskName, output string) string {
	s := v.settings(ctx)
	if !s.Enabled || s.APIKey == "" {
		return FallbackSummary(output)
	}

	prompt := fmt.Sprintf(
		"Task: %s\n\nRecent terminal output:\n%s\n\nDescribe in at most 100 characters what is currently happening. Respond with the phrase only.",
		taskName, tail(output, 2000))
	content, err := v.complete(ctx, s, summaryTimeout,
		"You summarize terminal activity in one short phrase.", prompt)
	if err != nil {
		return FallbackSummary(output)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return FallbackSummary(output)
	}
	if len(content) > summaryMaxChars {
		content = content[:summaryMaxChars]
	}
	return content
}

// chat completions wire types
type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete performs one chat-completions call and returns the assistant
// content.
func (v *Verifier) complete(ctx context.Context, s v1.VerifierSettings, timeout time.Duration, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:     s.Model,
		MaxTokens: s.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(s.APIURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func verifyUserPrompt(task *v1.Task, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task name: %s\n", task.Name)
	fmt.Fprintf(&b, "Task prompt: %s\n", task.Prompt)
	if task.VerificationPrompt != "" {
		fmt.Fprintf(&b, "Verification criteria: %s\n", task.VerificationPrompt)
	}
	fmt.Fprintf(&b, "\nTerminal output:\n%s\n", tail(output, outputTailChars))
	b.WriteString("\nIs this task complete?")
	return b.String()
}

// parseResult extracts the first JSON object from the model content. On
// parse failure it falls back to a loose scan for a passed flag.
func parseResult(content string) (v1.VerificationResult, bool) {
	var result v1.VerificationResult

	if obj := firstJSONObject(content); obj != "" {
		var raw struct {
			Passed     bool     `json:"passed"`
			Feedback   string   `json:"feedback"`
			Confidence *float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(obj), &raw); err == nil {
			result.Passed = raw.Passed
			result.Feedback = raw.Feedback
			if raw.Confidence != nil {
				result.Confidence = clamp01(*raw.Confidence)
			} else {
				result.Confidence = 0.5
			}
			return result, true
		}
	}

	// Loose scan for a passed verdict in malformed responses.
	lower := strings.ToLower(content)
	if strings.Contains(lower, `"passed": true`) || strings.Contains(lower, `"passed":true`) {
		return v1.VerificationResult{Passed: true, Confidence: 0.5}, true
	}
	return v1.VerificationResult{}, false
}

// firstJSONObject returns the first balanced {...} block in s, ignoring
// braces inside strings.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0.5
	}
	return math.Max(0, math.Min(1, f))
}

// tail returns the last n characters of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
