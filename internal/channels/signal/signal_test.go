package signal

import (
	"encoding/base64"
	"log/slog"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	c, err := New(config.SignalConfig{
		RESTURL: "http://127.0.0.1:8080",
		Number:  "+15551234567",
	}, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestGroupJIDKeepsInternalID(t *testing.T) {
	// The receive envelope reports the internal group id (itself base64);
	// the JID carries it as-is with a single encoding.
	internal := base64.StdEncoding.EncodeToString([]byte("raw-group-id"))
	jid := GroupJID(internal)

	if want := "signal:group:" + internal; jid != want {
		t.Fatalf("GroupJID(%q) = %q, want %q", internal, jid, want)
	}
	if !isGroup(jid) {
		t.Fatalf("isGroup(%q) = false", jid)
	}
}

func TestRecipientEncodesAtRESTBoundary(t *testing.T) {
	// The REST API addresses groups as group.<base64(internal id)>; the
	// second encoding happens only here, never in the JID.
	tests := []struct {
		jid  string
		want string
		grp  bool
	}{
		{"signal:+15557654321", "+15557654321", false},
		{"signal:group:Z3JvdXAtaWQ=", "group." + base64.StdEncoding.EncodeToString([]byte("Z3JvdXAtaWQ=")), true},
	}
	for _, tt := range tests {
		if got := recipient(tt.jid); got != tt.want {
			t.Errorf("recipient(%q) = %q, want %q", tt.jid, got, tt.want)
		}
		if got := isGroup(tt.jid); got != tt.grp {
			t.Errorf("isGroup(%q) = %v, want %v", tt.jid, got, tt.grp)
		}
	}
}

func TestOwnsJIDPartition(t *testing.T) {
	c := newTestChannel(t)
	owned := []string{"signal:+15557654321", "signal:group:abc"}
	foreign := []string{"tg:12345", "slack:C0123", "discord:42", "12345@g.us"}
	for _, jid := range owned {
		if !c.OwnsJID(jid) {
			t.Errorf("OwnsJID(%q) = false", jid)
		}
	}
	for _, jid := range foreign {
		if c.OwnsJID(jid) {
			t.Errorf("OwnsJID(%q) = true", jid)
		}
	}
}
