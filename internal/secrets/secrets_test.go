package secrets

import (
	"crypto/rand"
	"testing"
)

func TestSealThenDecryptRoundTrip(t *testing.T) {
	d := NewAESDecryptor("test-key")
	sealed, err := d.Seal("DATABASE_URL=postgres://localhost", rand.Reader)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := d.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if plain != "DATABASE_URL=postgres://localhost" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sealed, err := NewAESDecryptor("key-a").Seal("value", rand.Reader)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := NewAESDecryptor("key-b").Decrypt(sealed); err == nil {
		t.Fatal("expected decryption with wrong key to fail")
	}
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	if _, err := NewAESDecryptor("key").Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected truncated payload to fail")
	}
}
