package core

import (
	"path/filepath"
	"testing"
)

func TestNodeKeyPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.pem")

	// First load generates and saves.
	nk1, err := LoadNodeKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Second load reads the same identity back.
	nk2, err := LoadNodeKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if nk1.ID != nk2.ID {
		t.Fatalf("identity changed across reload")
	}
}

func TestNodeKeyIdentifierBinding(t *testing.T) {
	nk, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	id, err := PublicKeyIdentifier(&nk.Private.PublicKey)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if id != nk.ID {
		t.Fatalf("identifier does not derive from the public key")
	}
}
