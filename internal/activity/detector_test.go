package activity

import (
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/common/clock"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// fakeCapturer serves canned scrollback content per session.
type fakeCapturer struct {
	content map[string]string
	ok      bool
}

func (f *fakeCapturer) CaptureRecent(name string, lines int) (string, bool) {
	if !f.ok {
		return "", false
	}
	return f.content[name], true
}

func newTestDetector() (*Detector, *fakeCapturer, *clock.Fake) {
	capture := &fakeCapturer{content: map[string]string{}, ok: true}
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := NewDetector(capture, clk, Config{
		ActiveIdleThreshold: 3 * time.Second,
		WaitingThreshold:    6 * time.Second,
	})
	return d, capture, clk
}

func TestClassifyUnknownSessionIsIdle(t *testing.T) {
	d, _, _ := newTestDetector()
	if got := d.Classify("nope"); got != v1.ActivityIdle {
		t.Errorf("expected idle for unpolled session, got %s", got)
	}
}

func TestClassifyActiveAfterOutputChange(t *testing.T) {
	d, capture, clk := newTestDetector()
	capture.content["s"] = "building..."

	d.Poll("s")
	clk.Advance(1 * time.Second)

	if got := d.Classify("s"); got != v1.ActivityActive {
		t.Errorf("expected active, got %s", got)
	}
}

func TestClassifyIdleAfterThreshold(t *testing.T) {
	d, capture, clk := newTestDetector()
	capture.content["s"] = "done building"

	d.Poll("s")
	clk.Advance(4 * time.Second)
	d.Poll("s") // unchanged output must not refresh the timestamp

	if got := d.Classify("s"); got != v1.ActivityIdle {
		t.Errorf("expected idle, got %s", got)
	}
}

func TestClassifyWaitingForInput(t *testing.T) {
	d, capture, clk := newTestDetector()
	capture.content["s"] = "About to delete 3 files.\nDo you want to proceed? (y/n)"

	d.Poll("s")
	clk.Advance(7 * time.Second)

	if got := d.Classify("s"); got != v1.ActivityWaitingForInput {
		t.Errorf("expected waiting_for_input, got %s", got)
	}
}

func TestClassifyStaysIdleWithoutPrompt(t *testing.T) {
	d, capture, clk := newTestDetector()
	capture.content["s"] = "compilation finished\nall tests passed"

	d.Poll("s")
	clk.Advance(10 * time.Second)

	if got := d.Classify("s"); got != v1.ActivityIdle {
		t.Errorf("expected idle, got %s", got)
	}
}

func TestWaitingPromptMustBeInLastLines(t *testing.T) {
	d, capture, clk := newTestDetector()
	// Prompt is buried above three trailing lines of ordinary output.
	capture.content["s"] = "Continue? (y/n)\nworking\nstill working\ndone"

	d.Poll("s")
	clk.Advance(7 * time.Second)

	if got := d.Classify("s"); got != v1.ActivityIdle {
		t.Errorf("expected idle when prompt is not in last lines, got %s", got)
	}
}

func TestChangedOutputResetsTimer(t *testing.T) {
	d, capture, clk := newTestDetector()
	capture.content["s"] = "step 1"
	d.Poll("s")

	clk.Advance(5 * time.Second)
	capture.content["s"] = "step 2"
	d.Poll("s")

	if got := d.Classify("s"); got != v1.ActivityActive {
		t.Errorf("expected active after fresh output, got %s", got)
	}
}

func TestWaitingPatterns(t *testing.T) {
	cases := []struct {
		line    string
		waiting bool
	}{
		{"Do you want to proceed?", true},
		{"overwrite file.txt? (y/n)", true},
		{"Save changes [Y/n]", true},
		{"Press any key to continue", true},
		{"Enter your name:", true},
		{"password:", true},
		{"Would you like me to refactor this?", true},
		{"[Allow]   [Deny]", true},
		{"compiling module", false},
		{"tests passed", false},
	}

	d, capture, clk := newTestDetector()
	for _, tc := range cases {
		capture.content["s"] = tc.line
		d.Forget("s")
		d.Poll("s")
		clk.Advance(7 * time.Second)

		got := d.Classify("s")
		want := v1.ActivityIdle
		if tc.waiting {
			want = v1.ActivityWaitingForInput
		}
		if got != want {
			t.Errorf("line %q: expected %s, got %s", tc.line, want, got)
		}
	}
}

func TestLastOutputAt(t *testing.T) {
	d, capture, clk := newTestDetector()

	if _, ok := d.LastOutputAt("s"); ok {
		t.Error("expected no sample before first poll")
	}

	capture.content["s"] = "output"
	d.Poll("s")
	want := clk.Now()

	got, ok := d.LastOutputAt("s")
	if !ok {
		t.Fatal("expected a sample after poll")
	}
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestForget(t *testing.T) {
	d, capture, _ := newTestDetector()
	capture.content["s"] = "output"
	d.Poll("s")

	d.Forget("s")
	if _, ok := d.LastOutputAt("s"); ok {
		t.Error("expected sample to be dropped")
	}
}

func TestPollFailureLeavesSampleUntouched(t *testing.T) {
	d, capture, clk := newTestDetector()
	capture.content["s"] = "output"
	d.Poll("s")
	want := clk.Now()

	capture.ok = false
	clk.Advance(2 * time.Second)
	d.Poll("s")

	got, ok := d.LastOutputAt("s")
	if !ok || !got.Equal(want) {
		t.Errorf("expected timestamp %v preserved, got %v ok=%v", want, got, ok)
	}
}
