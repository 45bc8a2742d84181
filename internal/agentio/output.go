// Package agentio implements the wire contract between the host and an
// agent process: the framed stdout protocol, the input payload, and the
// parser that converts the agent's byte streams into output events under
// resource bounds.
package agentio

// Markers framing one agent output on stdout. Everything outside a marker
// pair is diagnostic noise.
const (
	MarkerStart = "OUTPUT_START"
	MarkerEnd   = "OUTPUT_END"
)

// Input is the payload written to the agent on stdin (local and sandbox
// backends) or to the S3 inbox (ephemeral VM backends).
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	ChatName        string `json:"chatName,omitempty"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

// Output is one framed agent output. Result is a pointer so that
// "result": null survives a round trip; a null result on a success output
// means "nothing to deliver".
type Output struct {
	Status       string  `json:"status"`
	Result       *string `json:"result"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// ErrorOutput builds an error-status output with a nil result.
func ErrorOutput(reason string) Output {
	return Output{Status: "error", Error: reason}
}

// SuccessOutput builds a success-status output carrying text.
func SuccessOutput(text string) Output {
	return Output{Status: "success", Result: &text}
}

// killedMessage is the terminal output of a session stopped through an
// abort.
const killedMessage = "Agent was killed"

// KilledOutput builds the terminal output for an aborted session.
func KilledOutput() Output { return ErrorOutput(killedMessage) }

// IsError reports whether the output carries error status.
func (o Output) IsError() bool { return o.Status == "error" }

// IsKilled reports whether the output is the abort terminal. Killed
// sessions are not retried: the stop was requested, so the pending work
// is dropped until the next inbound message re-arms the chat.
func (o Output) IsKilled() bool { return o.Status == "error" && o.Error == killedMessage }

// Terminal reports whether this output ends a session: an error, or a
// success with a non-null result. Streaming sessions emit intermediate
// outputs with null results.
func (o Output) Terminal() bool {
	return o.Status == "error" || o.Result != nil
}
