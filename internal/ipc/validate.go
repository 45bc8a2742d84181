package ipc

import (
	"fmt"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// RefMode selects the message-reference match predicate for channel
// actions carrying a targetAuthor / targetTimestamp.
type RefMode string

const (
	// RefExact requires sender = targetAuthor and id = targetTimestamp.
	RefExact RefMode = "exact"
	// RefOwn requires id = targetTimestamp on a message the bot sent.
	RefOwn RefMode = "own"
	// RefAny requires only id = targetTimestamp.
	RefAny RefMode = "any"
)

// ValidateReference looks the referenced message up in recent messages and
// returns it, or an error with the rejection reason. Validation runs
// against the same snapshot view the agent saw.
func ValidateReference(msgs []store.Message, mode RefMode, author, timestamp string) (*store.Message, error) {
	for i := range msgs {
		m := &msgs[i]
		if m.ID != timestamp {
			continue
		}
		switch mode {
		case RefExact:
			if m.Sender == author {
				return m, nil
			}
		case RefOwn:
			if m.IsFromMe {
				return m, nil
			}
		case RefAny:
			return m, nil
		}
	}

	switch mode {
	case RefExact:
		return nil, fmt.Errorf("No author='%s' message with timestamp=%s", author, timestamp)
	case RefOwn:
		return nil, fmt.Errorf("No own message with timestamp=%s", timestamp)
	default:
		return nil, fmt.Errorf("No message with timestamp=%s", timestamp)
	}
}
