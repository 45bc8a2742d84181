package agentio

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func strptr(s string) *string { return &s }

func TestParserChunkSplitRoundTrip(t *testing.T) {
	frame := "noise before\nOUTPUT_START\n{\"status\":\"success\",\"result\":\"hi\",\"newSessionId\":\"s-1\"}\nOUTPUT_END\ntrailing noise\n"

	tests := []struct {
		name  string
		chunk int
	}{
		{"whole stream at once", len(frame)},
		{"byte at a time", 1},
		{"three bytes", 3},
		{"seven bytes", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []Output
			var mu sync.Mutex
			p := NewParser(ParserConfig{
				OnOutput: func(o Output) error {
					mu.Lock()
					got = append(got, o)
					mu.Unlock()
					return nil
				},
			})
			for i := 0; i < len(frame); i += tt.chunk {
				end := i + tt.chunk
				if end > len(frame) {
					end = len(frame)
				}
				p.FeedStdout([]byte(frame[i:end]))
			}
			p.Cleanup()
			<-p.OutputChain()

			mu.Lock()
			defer mu.Unlock()
			if len(got) != 1 {
				t.Fatalf("output events = %d, want 1", len(got))
			}
			if got[0].Status != "success" || got[0].Result == nil || *got[0].Result != "hi" {
				t.Errorf("output = %+v, want success/hi", got[0])
			}
			if st := p.State(); st.NewSessionID != "s-1" {
				t.Errorf("NewSessionID = %q, want s-1", st.NewSessionID)
			}
		})
	}
}

func TestParserInvalidJSONContinues(t *testing.T) {
	var events []Output
	p := NewParser(ParserConfig{
		OnOutput: func(o Output) error {
			events = append(events, o)
			return nil
		},
	})
	p.FeedStdout([]byte("OUTPUT_START\nnot json\nOUTPUT_END\n"))
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":\"ok\"}\nOUTPUT_END\n"))
	p.Cleanup()
	<-p.OutputChain()

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if !events[0].IsError() {
		t.Errorf("first event should be a parse error, got %+v", events[0])
	}
	if events[1].Status != "success" {
		t.Errorf("second event = %+v, want success", events[1])
	}
	// Legacy final output reads the last well-formed pair only.
	if out := p.ParseFinalOutput(); out.Result == nil || *out.Result != "ok" {
		t.Errorf("ParseFinalOutput = %+v, want ok", out)
	}
}

func TestParserLegacyFinalOutput(t *testing.T) {
	p := NewParser(ParserConfig{})
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":\"first\"}\nOUTPUT_END\n"))
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":\"second\"}\nOUTPUT_END\n"))
	p.Cleanup()

	out := p.ParseFinalOutput()
	if out.Result == nil || *out.Result != "second" {
		t.Errorf("ParseFinalOutput = %+v, want last pair", out)
	}
	if st := p.State(); st.HadStreamingOutput {
		t.Error("HadStreamingOutput = true without a registered consumer")
	}
}

func TestParserStartupTimeout(t *testing.T) {
	var fired atomic.Int32
	p := NewParser(ParserConfig{
		StartupTimeout: 30 * time.Millisecond,
		OnTimeout:      func() { fired.Add(1) },
	})
	time.Sleep(80 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("timeout fired %d times, want 1", n)
	}
	if !p.State().TimedOut {
		t.Error("TimedOut not set")
	}
	out := p.SessionResult(0, nil)
	if !out.IsError() {
		t.Errorf("timeout with no output should be error, got %+v", out)
	}
	p.Cleanup()
}

func TestParserStartupTimeoutSuppressedByStdout(t *testing.T) {
	var fired atomic.Int32
	p := NewParser(ParserConfig{
		StartupTimeout: 30 * time.Millisecond,
		OnTimeout:      func() { fired.Add(1) },
	})
	p.FeedStdout([]byte("booting...\n"))
	time.Sleep(80 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("startup timeout fired %d times despite stdout, want 0", n)
	}
	p.Cleanup()
}

func TestParserIdleTimeoutSuccess(t *testing.T) {
	var fired atomic.Int32
	p := NewParser(ParserConfig{
		IdleTimeout: 40 * time.Millisecond,
		OnTimeout:   func() { fired.Add(1) },
		OnOutput:    func(Output) error { return nil },
	})
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":null}\nOUTPUT_END\n"))
	time.Sleep(120 * time.Millisecond)

	if n := fired.Load(); n != 1 {
		t.Fatalf("idle timeout fired %d times, want exactly 1", n)
	}
	st := p.State()
	if !st.HadStreamingOutput || !st.TimedOut {
		t.Fatalf("state = %+v, want streamed+timed out", st)
	}
	out := p.SessionResult(0, nil)
	if out.Status != "success" || out.Result != nil {
		t.Errorf("idle timeout after output = %+v, want success with null result", out)
	}
	p.Cleanup()
}

func TestParserIdleTimerDisarmedByCleanup(t *testing.T) {
	var fired atomic.Int32
	p := NewParser(ParserConfig{
		IdleTimeout: 40 * time.Millisecond,
		OnTimeout:   func() { fired.Add(1) },
	})
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":\"x\"}\nOUTPUT_END\n"))
	p.Cleanup()
	time.Sleep(90 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("timeout fired %d times after Cleanup, want 0", n)
	}
}

func TestParserTruncationKeepsMarkers(t *testing.T) {
	var events []Output
	p := NewParser(ParserConfig{
		MaxOutputSize: 64,
		OnOutput: func(o Output) error {
			events = append(events, o)
			return nil
		},
	})
	p.FeedStdout([]byte(strings.Repeat("x", 200) + "\n"))
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":\"kept\"}\nOUTPUT_END\n"))
	p.Cleanup()
	<-p.OutputChain()

	st := p.State()
	if !st.StdoutTruncated {
		t.Error("StdoutTruncated not set")
	}
	if len(events) != 1 || events[0].Result == nil || *events[0].Result != "kept" {
		t.Fatalf("events = %+v, want the marker pair to survive truncation", events)
	}
}

func TestParserOutputChainBackpressure(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	p := NewParser(ParserConfig{
		OnOutput: func(o Output) error {
			<-release
			mu.Lock()
			order = append(order, *o.Result)
			mu.Unlock()
			return nil
		},
	})
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":\"a\"}\nOUTPUT_END\n"))
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":\"b\"}\nOUTPUT_END\n"))

	chain := p.OutputChain()
	select {
	case <-chain:
		t.Fatal("output chain completed before callbacks ran")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-chain:
	case <-time.After(time.Second):
		t.Fatal("output chain did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("callback order = %v, want [a b]", order)
	}
	p.Cleanup()
}

func TestParserUnclosedBlockReportedAtCleanup(t *testing.T) {
	var events []Output
	p := NewParser(ParserConfig{
		OnOutput: func(o Output) error {
			events = append(events, o)
			return nil
		},
	})
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\""))
	p.Cleanup()
	<-p.OutputChain()

	if len(events) != 1 || !events[0].IsError() {
		t.Fatalf("events = %+v, want one error event for the unclosed block", events)
	}
}

func TestSessionResultErrorOnlyStreamIsNotSuccess(t *testing.T) {
	// A stream that produced nothing but parse-error events must not count
	// as streamed output: with a non-zero exit the session failed.
	var events []Output
	p := NewParser(ParserConfig{
		OnOutput: func(o Output) error {
			events = append(events, o)
			return nil
		},
	})
	p.FeedStdout([]byte("OUTPUT_START\nnot json\nOUTPUT_END\n"))
	p.FeedStderr([]byte("boom: config missing\n"))
	p.Cleanup()
	<-p.OutputChain()

	if len(events) != 1 || !events[0].IsError() {
		t.Fatalf("events = %+v, want one parse-error event", events)
	}
	if st := p.State(); st.HadStreamingOutput {
		t.Fatal("HadStreamingOutput = true for an error-only stream")
	}
	out := p.SessionResult(7, nil)
	if !out.IsError() {
		t.Fatalf("SessionResult = %+v, want error for exit code 7", out)
	}
	if !strings.Contains(out.Error, "code 7") || !strings.Contains(out.Error, "config missing") {
		t.Errorf("error = %q, want exit code and stderr tail", out.Error)
	}
}

func TestSessionResultTable(t *testing.T) {
	res := strptr("done")
	tests := []struct {
		name       string
		prep       func(p *Parser)
		exitCode   int
		wantStatus string
		wantResult *string
	}{
		{
			name: "legacy pair with zero exit",
			prep: func(p *Parser) {
				p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\",\"result\":\"done\"}\nOUTPUT_END\n"))
			},
			wantStatus: "success",
			wantResult: res,
		},
		{
			name:       "no output nonzero exit",
			prep:       func(p *Parser) {},
			exitCode:   7,
			wantStatus: "error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(ParserConfig{})
			tt.prep(p)
			p.Cleanup()
			out := p.SessionResult(tt.exitCode, nil)
			if out.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", out.Status, tt.wantStatus)
			}
			if tt.wantResult != nil && (out.Result == nil || *out.Result != *tt.wantResult) {
				t.Errorf("result = %v, want %q", out.Result, *tt.wantResult)
			}
		})
	}
}
