package hetzner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// keyPair is the on-disk agent SSH identity, reused across VM creates.
type keyPair struct {
	PrivatePEM []byte
	PublicAuth string // authorized_keys line
}

// ensureKeyPair loads the keypair from dir or generates an ed25519 one.
func ensureKeyPair(dir string) (*keyPair, error) {
	privPath := filepath.Join(dir, "id_ed25519")
	pubPath := privPath + ".pub"

	priv, err := os.ReadFile(privPath)
	if err == nil {
		pub, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh public key: %w", err)
		}
		return &keyPair{PrivatePEM: priv, PublicAuth: strings.TrimSpace(string(pub))}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read ssh private key: %w", err)
	}

	pub, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ssh key: %w", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "nanoclaw agent key")
	if err != nil {
		return nil, fmt.Errorf("marshal ssh key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("ssh public key: %w", err)
	}
	auth := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	privPEM := pemEncode(pemBlock)
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write ssh private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(auth+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write ssh public key: %w", err)
	}
	return &keyPair{PrivatePEM: privPEM, PublicAuth: auth}, nil
}

func pemEncode(b *pem.Block) []byte { return pem.EncodeToMemory(b) }
