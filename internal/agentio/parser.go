package agentio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultMaxOutputSize caps each accumulated stream (stdout, stderr).
const DefaultMaxOutputSize = 1 << 20

// ParserConfig configures a Parser. OnOutput, when set, receives every
// output event in arrival order; its errors are collected and surfaced via
// ConsumerErr. OnTimeout fires at most once per session, for either the
// startup or the idle timeout.
type ParserConfig struct {
	MaxOutputSize  int
	StartupTimeout time.Duration
	IdleTimeout    time.Duration
	OnTimeout      func()
	OnOutput       func(Output) error
	Log            *slog.Logger
}

// State is a point-in-time snapshot of the parser.
type State struct {
	Stdout             string
	Stderr             string
	StdoutTruncated    bool
	StderrTruncated    bool
	HadStreamingOutput bool
	NewSessionID       string
	TimedOut           bool
}

// Parser converts the agent's interleaved stdout/stderr byte streams into
// output events. Feeds are non-blocking: streamed callbacks run on their
// own goroutines, chained in arrival order.
type Parser struct {
	cfg ParserConfig
	log *slog.Logger

	mu          sync.Mutex
	stdout      strings.Builder
	stderr      strings.Builder
	stdoutTrunc bool
	stderrTrunc bool
	stdoutLine  []byte
	stderrLine  []byte

	inBlock    bool
	blockLines []string

	sawEvent     bool
	hadStreaming bool
	newSessionID string
	lastOutput   *Output
	timedOut     bool
	cleaned      bool

	startupTimer *time.Timer
	idleTimer    *time.Timer

	chainMu     sync.Mutex
	chainTail   chan struct{}
	consumerErr error
}

// NewParser builds a parser and arms the startup timer when configured.
func NewParser(cfg ParserConfig) *Parser {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = DefaultMaxOutputSize
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	p := &Parser{cfg: cfg, log: cfg.Log, chainTail: done}
	if cfg.StartupTimeout > 0 {
		p.startupTimer = time.AfterFunc(cfg.StartupTimeout, p.fireStartupTimeout)
	}
	return p
}

// FeedStdout ingests stdout bytes. Safe for concurrent use.
func (p *Parser) FeedStdout(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cleaned {
		return
	}
	p.stdoutLine = append(p.stdoutLine, b...)
	for {
		i := bytes.IndexByte(p.stdoutLine, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(p.stdoutLine[:i]), "\r")
		p.stdoutLine = p.stdoutLine[i+1:]
		p.handleLine(line)
	}
	// A pathological line longer than the cap cannot be a marker; bound the
	// partial-line buffer so a newline-free stream cannot grow unchecked.
	if len(p.stdoutLine) > p.cfg.MaxOutputSize {
		p.stdoutLine = p.stdoutLine[:p.cfg.MaxOutputSize]
		p.stdoutTrunc = true
	}
}

// FeedStderr ingests stderr bytes. Stderr carries no markers; it is only
// accumulated (capped) for diagnostics.
func (p *Parser) FeedStderr(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cleaned {
		return
	}
	p.stderrLine = append(p.stderrLine, b...)
	for {
		i := bytes.IndexByte(p.stderrLine, '\n')
		if i < 0 {
			break
		}
		line := string(p.stderrLine[:i+1])
		p.stderrLine = p.stderrLine[i+1:]
		p.appendCapped(&p.stderr, &p.stderrTrunc, line)
	}
	if len(p.stderrLine) > p.cfg.MaxOutputSize {
		p.stderrLine = p.stderrLine[:p.cfg.MaxOutputSize]
		p.stderrTrunc = true
	}
}

// StdoutWriter returns an io.Writer funnelling into FeedStdout.
func (p *Parser) StdoutWriter() io.Writer { return &feedWriter{fn: p.FeedStdout} }

// StderrWriter returns an io.Writer funnelling into FeedStderr.
func (p *Parser) StderrWriter() io.Writer { return &feedWriter{fn: p.FeedStderr} }

type feedWriter struct{ fn func([]byte) }

func (w *feedWriter) Write(b []byte) (int, error) {
	w.fn(b)
	return len(b), nil
}

func (p *Parser) handleLine(line string) {
	p.appendCapped(&p.stdout, &p.stdoutTrunc, line+"\n")
	switch line {
	case MarkerStart:
		if p.inBlock {
			p.emitErrorLocked("unexpected OUTPUT_START inside output block")
		}
		p.inBlock = true
		p.blockLines = p.blockLines[:0]
	case MarkerEnd:
		if !p.inBlock {
			p.emitErrorLocked("OUTPUT_END without matching OUTPUT_START")
			return
		}
		p.inBlock = false
		raw := strings.Join(p.blockLines, "\n")
		p.blockLines = p.blockLines[:0]
		var out Output
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			p.emitErrorLocked(fmt.Sprintf("invalid agent output JSON: %v", err))
			return
		}
		p.emitLocked(out, true)
	default:
		if p.inBlock {
			p.blockLines = append(p.blockLines, line)
		}
	}
}

func (p *Parser) appendCapped(b *strings.Builder, trunc *bool, s string) {
	room := p.cfg.MaxOutputSize - b.Len()
	if room <= 0 {
		*trunc = true
		return
	}
	if len(s) > room {
		// Keep whole lines only; drop the line that would overflow.
		*trunc = true
		return
	}
	b.WriteString(s)
}

// emitErrorLocked reports a malformed frame as an error event without
// recording it as the legacy "last well-formed output".
func (p *Parser) emitErrorLocked(reason string) {
	p.log.Warn("agent output parse error", "reason", reason)
	p.emitLocked(ErrorOutput(reason), false)
}

func (p *Parser) emitLocked(out Output, wellFormed bool) {
	p.sawEvent = true
	if wellFormed {
		o := out
		p.lastOutput = &o
		if out.NewSessionID != "" {
			p.newSessionID = out.NewSessionID
		}
	}
	p.resetIdleLocked()
	if p.cfg.OnOutput != nil {
		if wellFormed {
			p.hadStreaming = true
		}
		p.dispatch(out)
	}
}

// dispatch chains the callback after all previously issued callbacks,
// preserving arrival order while keeping Feed non-blocking.
func (p *Parser) dispatch(out Output) {
	p.chainMu.Lock()
	prev := p.chainTail
	next := make(chan struct{})
	p.chainTail = next
	p.chainMu.Unlock()

	go func() {
		<-prev
		if err := p.cfg.OnOutput(out); err != nil {
			p.chainMu.Lock()
			if p.consumerErr == nil {
				p.consumerErr = err
			}
			p.chainMu.Unlock()
		}
		close(next)
	}()
}

// OutputChain returns a channel that closes once every output callback
// issued so far has returned. Used for back-pressure at session end.
func (p *Parser) OutputChain() <-chan struct{} {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	return p.chainTail
}

// ConsumerErr returns the first error returned by the streaming consumer.
func (p *Parser) ConsumerErr() error {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	return p.consumerErr
}

func (p *Parser) resetIdleLocked() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	if p.idleTimer == nil {
		p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, p.fireIdleTimeout)
		return
	}
	p.idleTimer.Reset(p.cfg.IdleTimeout)
}

func (p *Parser) fireStartupTimeout() {
	p.mu.Lock()
	// Startup timeout only counts when the agent has stayed completely
	// silent: no event and no stdout bytes at the deadline.
	if p.cleaned || p.timedOut || p.sawEvent || p.stdout.Len() > 0 || len(p.stdoutLine) > 0 {
		p.mu.Unlock()
		return
	}
	p.timedOut = true
	cb := p.cfg.OnTimeout
	p.mu.Unlock()
	p.log.Warn("agent startup timeout", "timeout", p.cfg.StartupTimeout)
	if cb != nil {
		cb()
	}
}

func (p *Parser) fireIdleTimeout() {
	p.mu.Lock()
	if p.cleaned || p.timedOut {
		p.mu.Unlock()
		return
	}
	p.timedOut = true
	cb := p.cfg.OnTimeout
	p.mu.Unlock()
	p.log.Info("agent idle timeout", "timeout", p.cfg.IdleTimeout)
	if cb != nil {
		cb()
	}
}

// Cleanup flushes any unterminated line, reports an unclosed marker block,
// and disarms both timers. Idempotent.
func (p *Parser) Cleanup() {
	p.mu.Lock()
	if p.cleaned {
		p.mu.Unlock()
		return
	}
	if len(p.stdoutLine) > 0 {
		line := strings.TrimRight(string(p.stdoutLine), "\r")
		p.stdoutLine = nil
		p.handleLine(line)
	}
	if len(p.stderrLine) > 0 {
		p.appendCapped(&p.stderr, &p.stderrTrunc, string(p.stderrLine))
		p.stderrLine = nil
	}
	if p.inBlock {
		p.inBlock = false
		p.emitErrorLocked("unclosed OUTPUT_START at end of stream")
	}
	p.cleaned = true
	if p.startupTimer != nil {
		p.startupTimer.Stop()
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.mu.Unlock()
}

// ParseFinalOutput returns the last well-formed output, for callers that
// did not register a streaming consumer. Call after Cleanup.
func (p *Parser) ParseFinalOutput() Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastOutput != nil {
		return *p.lastOutput
	}
	return ErrorOutput("no output from agent")
}

// State returns a snapshot of the parser's accumulated state.
func (p *Parser) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Stdout:             p.stdout.String(),
		Stderr:             p.stderr.String(),
		StdoutTruncated:    p.stdoutTrunc,
		StderrTruncated:    p.stderrTrunc,
		HadStreamingOutput: p.hadStreaming,
		NewSessionID:       p.newSessionID,
		TimedOut:           p.timedOut,
	}
}

// SessionResult derives the terminal output for a finished session from the
// parser state and the process exit. With streamed output the session is a
// success even on idle timeout; a timeout before any output, or a non-zero
// exit with no output, is an error.
func (p *Parser) SessionResult(exitCode int, exitErr error) Output {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.timedOut && (p.hadStreaming || p.lastOutput != nil):
		return Output{Status: "success", NewSessionID: p.newSessionID}
	case p.timedOut:
		return ErrorOutput("agent timed out before producing output")
	case p.hadStreaming:
		return Output{Status: "success", NewSessionID: p.newSessionID}
	case p.lastOutput != nil:
		return *p.lastOutput
	}

	reason := "agent produced no output"
	if exitErr != nil {
		reason = fmt.Sprintf("agent failed: %v", exitErr)
	} else if exitCode != 0 {
		reason = fmt.Sprintf("agent exited with code %d", exitCode)
	}
	if tail := lastChars(p.stderr.String(), 300); tail != "" {
		reason += "; stderr: " + tail
	}
	return ErrorOutput(reason)
}

func lastChars(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
