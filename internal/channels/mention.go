package channels

import "strings"

// RewriteMention translates platform-native mentions of the bot (Slack's
// <@U…>, Discord's <@id>/<@!id>, Telegram's @username) into the plain
// @name form the trigger gate matches on. The gate anchors at the head of
// the message, so when the bot is mentioned anywhere the @name token is
// also hoisted into a leading prefix.
func RewriteMention(text, name string, tokens ...string) string {
	if name == "" {
		return text
	}
	at := "@" + name
	mentioned := false
	for _, tok := range tokens {
		if tok == "" || !strings.Contains(text, tok) {
			continue
		}
		mentioned = true
		text = strings.ReplaceAll(text, tok, at)
	}
	if !mentioned {
		return text
	}
	text = strings.TrimSpace(text)
	if len(text) >= len(at) && strings.EqualFold(text[:len(at)], at) {
		return text
	}
	return at + " " + text
}
