package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/common/clock"
	"github.com/foremanhq/foreman/internal/common/logger"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// staticSettings serves fixed verifier settings and counts loads.
type staticSettings struct {
	mu       sync.Mutex
	settings v1.VerifierSettings
	loads    int
}

func (s *staticSettings) VerifierSettings(context.Context) (v1.VerifierSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.settings, nil
}

func (s *staticSettings) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// chatServer returns an httptest server answering chat completions with
// the given assistant content.
func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func enabledSettings(url string) v1.VerifierSettings {
	return v1.VerifierSettings{
		Enabled:   true,
		APIURL:    url,
		APIKey:    "test-key",
		Model:     "gpt-4o-mini",
		MaxTokens: 500,
	}
}

func testTask() *v1.Task {
	return &v1.Task{
		ID:     "task-1",
		Name:   "Add endpoint",
		Prompt: "Add a /health endpoint",
	}
}

func TestVerifyParsesCleanJSON(t *testing.T) {
	srv := chatServer(t, `{"passed": true, "feedback": "endpoint added", "confidence": 0.9}`)
	defer srv.Close()

	v := New(&staticSettings{settings: enabledSettings(srv.URL)}, nil, testLogger(t))
	result := v.Verify(context.Background(), testTask(), "server listening")

	assert.True(t, result.Passed)
	assert.Equal(t, "endpoint added", result.Feedback)
	assert.InDelta(t, 0.9, result.Confidence, 0.001)
}

func TestVerifyParsesJSONWithProse(t *testing.T) {
	srv := chatServer(t, "Here is my judgement:\n```json\n{\"passed\": false, \"feedback\": \"tests failing\", \"confidence\": 0.8}\n```")
	defer srv.Close()

	v := New(&staticSettings{settings: enabledSettings(srv.URL)}, nil, testLogger(t))
	result := v.Verify(context.Background(), testTask(), "FAIL")

	assert.False(t, result.Passed)
	assert.Equal(t, "tests failing", result.Feedback)
}

func TestVerifyClampsConfidence(t *testing.T) {
	srv := chatServer(t, `{"passed": true, "feedback": "", "confidence": 3.5}`)
	defer srv.Close()

	v := New(&staticSettings{settings: enabledSettings(srv.URL)}, nil, testLogger(t))
	result := v.Verify(context.Background(), testTask(), "")

	assert.Equal(t, 1.0, result.Confidence)
}

func TestVerifyDefaultsMissingConfidence(t *testing.T) {
	srv := chatServer(t, `{"passed": true, "feedback": "ok"}`)
	defer srv.Close()

	v := New(&staticSettings{settings: enabledSettings(srv.URL)}, nil, testLogger(t))
	result := v.Verify(context.Background(), testTask(), "")

	assert.Equal(t, 0.5, result.Confidence)
}

func TestVerifyLooseScan(t *testing.T) {
	srv := chatServer(t, `The task looks done. "passed": true is my verdict.`)
	defer srv.Close()

	v := New(&staticSettings{settings: enabledSettings(srv.URL)}, nil, testLogger(t))
	result := v.Verify(context.Background(), testTask(), "")

	assert.True(t, result.Passed)
	assert.Equal(t, 0.5, result.Confidence)
}

func TestVerifyDisabledUsesFallback(t *testing.T) {
	v := New(&staticSettings{settings: v1.VerifierSettings{Enabled: false}}, nil, testLogger(t))
	result := v.Verify(context.Background(), testTask(), "Build completed successfully")

	assert.True(t, result.Passed)
	assert.Equal(t, 0.6, result.Confidence)
}

func TestVerifyServerErrorUsesFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := New(&staticSettings{settings: enabledSettings(srv.URL)}, nil, testLogger(t))
	result := v.Verify(context.Background(), testTask(), "error: build failed")

	assert.False(t, result.Passed)
	assert.Equal(t, 0.6, result.Confidence)
}

func TestVerifyUnparseableUsesFallback(t *testing.T) {
	srv := chatServer(t, "I cannot tell.")
	defer srv.Close()

	v := New(&staticSettings{settings: enabledSettings(srv.URL)}, nil, testLogger(t))
	result := v.Verify(context.Background(), testTask(), "some neutral output")

	assert.False(t, result.Passed)
	assert.Equal(t, 0.3, result.Confidence)
}

func TestStatusSummaryTruncates(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'x'
	}
	srv := chatServer(t, string(long))
	defer srv.Close()

	v := New(&staticSettings{settings: enabledSettings(srv.URL)}, nil, testLogger(t))
	summary := v.StatusSummary(context.Background(), "Add endpoint", "output")

	assert.Len(t, summary, 100)
}

func TestStatusSummaryDisabledUsesFallback(t *testing.T) {
	v := New(&staticSettings{settings: v1.VerifierSettings{}}, nil, testLogger(t))

	assert.Equal(t, "Waiting for input...", v.StatusSummary(context.Background(), "t", "Continue? (y/n)"))
	assert.Equal(t, "Working...", v.StatusSummary(context.Background(), "t", "compiling"))
}

func TestSettingsCacheExpiresOnFakeClock(t *testing.T) {
	source := &staticSettings{settings: v1.VerifierSettings{Enabled: false}}
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	v := New(source, clk, testLogger(t))

	v.settings(context.Background())
	v.settings(context.Background())
	assert.Equal(t, 1, source.loadCount(), "second read within the TTL must hit the cache")

	clk.Advance(settingsTTL + time.Second)
	v.settings(context.Background())
	assert.Equal(t, 2, source.loadCount(), "read past the TTL must reload")

	v.InvalidateSettings()
	v.settings(context.Background())
	assert.Equal(t, 3, source.loadCount(), "invalidation must force a reload")
}

func TestFirstJSONObjectIgnoresBracesInStrings(t *testing.T) {
	obj := firstJSONObject(`noise {"feedback": "use {} literals", "passed": false} trailing`)
	require.NotEmpty(t, obj)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(obj), &raw))
	assert.Equal(t, "use {} literals", raw["feedback"])
}

func TestFallback(t *testing.T) {
	cases := []struct {
		name       string
		output     string
		passed     bool
		confidence float64
	}{
		{"waiting prompt", "Do you want to proceed? (y/n)", false, 0.7},
		{"failure tokens", "error: compilation failed", false, 0.6},
		{"success tokens", "All tests passed. Done.", true, 0.6},
		{"mixed signals", "error: retrying\ncompleted successfully", false, 0.3},
		{"no signals", "lorem ipsum", false, 0.3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Fallback(tc.output)
			assert.Equal(t, tc.passed, result.Passed)
			assert.Equal(t, tc.confidence, result.Confidence)
		})
	}
}

func TestFallbackSummary(t *testing.T) {
	assert.Equal(t, "Waiting for input...", FallbackSummary("continue? (y/n)"))
	assert.Equal(t, "Encountered errors...", FallbackSummary("fatal: boom"))
	assert.Equal(t, "Finishing up...", FallbackSummary("done"))
	assert.Equal(t, "Working...", FallbackSummary("building"))
}
