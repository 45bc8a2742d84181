// Package groups owns the registered-group registry and the trigger rules
// that decide whether a message addresses the agent.
package groups

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// NormalizeTrigger prepends "@" when the configured trigger word lacks it,
// so "Andy" and "@Andy" configure the same trigger.
func NormalizeTrigger(word string) string {
	word = strings.TrimSpace(word)
	if word == "" {
		return ""
	}
	if !strings.HasPrefix(word, "@") {
		word = "@" + word
	}
	return word
}

// CompileTrigger builds the case-insensitive anchored pattern for a trigger
// word: the message must start with the mention followed by a word boundary.
func CompileTrigger(word string) (*regexp.Regexp, error) {
	norm := NormalizeTrigger(word)
	if norm == "" {
		return nil, fmt.Errorf("empty trigger word")
	}
	return regexp.Compile(`(?i)^` + regexp.QuoteMeta(norm) + `\b`)
}

// RequiresTrigger reports whether messages to this group must carry the
// trigger. The main group never requires it; other groups require it unless
// explicitly disabled.
func RequiresTrigger(g *store.RegisteredGroup) bool {
	if g.IsMain() {
		return false
	}
	return g.RequiresTrigger == nil || *g.RequiresTrigger
}

// Matches reports whether content satisfies the group's trigger gate:
// either the gate is off, or some content line starts with the trigger.
func Matches(g *store.RegisteredGroup, content string) bool {
	if !RequiresTrigger(g) {
		return true
	}
	if g.TriggerPattern == "" {
		return false
	}
	re, err := CompileTrigger(g.TriggerPattern)
	if err != nil {
		return false
	}
	return re.MatchString(content)
}

// StripTrigger removes a leading trigger mention (and one following space)
// from content, leaving the prompt the user actually wrote.
func StripTrigger(g *store.RegisteredGroup, content string) string {
	if g.TriggerPattern == "" {
		return content
	}
	re, err := CompileTrigger(g.TriggerPattern)
	if err != nil {
		return content
	}
	loc := re.FindStringIndex(content)
	if loc == nil {
		return content
	}
	return strings.TrimLeft(content[loc[1]:], " \t")
}
