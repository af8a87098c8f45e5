package verifier

import (
	"regexp"
	"strings"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// fallbackLines is how much of the output tail the heuristics inspect.
const fallbackLines = 20

var (
	waitingTokens = []*regexp.Regexp{
		regexp.MustCompile(`\?\s*$`),
		regexp.MustCompile(`(?i)\(y/n\)`),
		regexp.MustCompile(`(?i)continue\?`),
		regexp.MustCompile(`(?i)press any key`),
	}
	failureTokens = []*regexp.Regexp{
		regexp.MustCompile(`(?i)error:`),
		regexp.MustCompile(`(?i)failed`),
		regexp.MustCompile(`(?i)exception`),
		regexp.MustCompile(`(?i)fatal`),
		regexp.MustCompile(`(?i)panic`),
	}
	successTokens = []*regexp.Regexp{
		regexp.MustCompile(`(?i)success`),
		regexp.MustCompile(`(?i)completed?`),
		regexp.MustCompile(`(?i)done`),
		regexp.MustCompile(`(?i)finished`),
		regexp.MustCompile(`(?i)passed`),
		regexp.MustCompile(`\bOK\b`),
	}
)

// Fallback judges completion from the last lines of output when the LLM
// endpoint is disabled or unreachable.
func Fallback(output string) v1.VerificationResult {
	recent := lastLines(output, fallbackLines)

	if matchesAny(recent, waitingTokens) {
		return v1.VerificationResult{Passed: false, Feedback: "waiting for input", Confidence: 0.7}
	}

	failed := matchesAny(recent, failureTokens)
	succeeded := matchesAny(recent, successTokens)

	switch {
	case failed && !succeeded:
		return v1.VerificationResult{Passed: false, Feedback: "output contains failure indicators", Confidence: 0.6}
	case succeeded && !failed:
		return v1.VerificationResult{Passed: true, Feedback: "output contains success indicators", Confidence: 0.6}
	default:
		return v1.VerificationResult{Passed: false, Feedback: "unable to determine", Confidence: 0.3}
	}
}

// FallbackSummary collapses the same pattern table to fixed phrases.
func FallbackSummary(output string) string {
	recent := lastLines(output, fallbackLines)
	switch {
	case matchesAny(recent, waitingTokens):
		return "Waiting for input..."
	case matchesAny(recent, failureTokens):
		return "Encountered errors..."
	case matchesAny(recent, successTokens):
		return "Finishing up..."
	default:
		return "Working..."
	}
}

func matchesAny(lines []string, patterns []*regexp.Regexp) bool {
	for _, line := range lines {
		for _, p := range patterns {
			if p.MatchString(line) {
				return true
			}
		}
	}
	return false
}

func lastLines(s string, n int) []string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
