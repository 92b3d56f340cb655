package crypto

import (
	"errors"
	"testing"
)

func TestCipherSealOpen(t *testing.T) {
	c, err := NewCipher("test-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sealed, err := c.Seal("value-123")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if string(sealed) == "value-123" {
		t.Fatal("expected ciphertext to differ from plaintext")
	}
	plain, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "value-123" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestDecryptWithOtherSecretFails(t *testing.T) {
	sealed, err := EncryptString("one", "value")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if _, err := DecryptToString("two", sealed); err == nil {
		t.Fatal("expected decryption with wrong secret to fail")
	}
	if _, err := DecryptToString("one", []byte("x")); err == nil {
		t.Fatal("expected short payload to fail")
	}
}

func TestNewCipherRequiresSecret(t *testing.T) {
	if _, err := NewCipher(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}
