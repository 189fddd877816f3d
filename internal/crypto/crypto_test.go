package crypto

import (
	"encoding/hex"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestRoundtrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	secret := "sk-upstream-credential-42"
	encrypted, err := c.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if encrypted == secret {
		t.Fatal("ciphertext must differ from plaintext")
	}

	decrypted, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != secret {
		t.Errorf("roundtrip: got %q, want %q", decrypted, secret)
	}
}

func TestNonceMakesCiphertextsDiffer(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	enc1, err := c.Encrypt("same credential")
	if err != nil {
		t.Fatal(err)
	}
	enc2, err := c.Encrypt("same credential")
	if err != nil {
		t.Fatal(err)
	}
	if enc1 == enc2 {
		t.Error("repeated encryptions must not produce identical ciphertexts")
	}

	dec1, _ := c.Decrypt(enc1)
	dec2, _ := c.Decrypt(enc2)
	if dec1 != dec2 {
		t.Error("both ciphertexts must decrypt to the same plaintext")
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	var c *Cipher

	encrypted, err := c.Encrypt("plain")
	if err != nil {
		t.Fatalf("nil Encrypt: %v", err)
	}
	if encrypted != "plain" {
		t.Errorf("nil Encrypt changed the value: %q", encrypted)
	}

	decrypted, err := c.Decrypt("plain")
	if err != nil {
		t.Fatalf("nil Decrypt: %v", err)
	}
	if decrypted != "plain" {
		t.Errorf("nil Decrypt changed the value: %q", decrypted)
	}
}

func TestEmptyKeyDisablesEncryption(t *testing.T) {
	c, err := NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher with empty key: %v", err)
	}
	if c != nil {
		t.Error("empty key should yield a nil Cipher")
	}
}

func TestKeyValidation(t *testing.T) {
	short := hex.EncodeToString([]byte("0123456789abcdef"))
	_, err := NewCipher(short)
	if err == nil {
		t.Error("expected error for 16-byte key")
	} else if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("error should name the required length, got: %v", err)
	}

	if _, err := NewCipher("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	if _, err := c.Decrypt("!!!not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := c.Decrypt("YQ=="); err == nil {
		t.Error("expected error for ciphertext shorter than the nonce")
	}

	encrypted, _ := c.Encrypt("hello")
	tampered := []byte(encrypted)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}
	if _, err := c.Decrypt(string(tampered)); err == nil {
		t.Error("expected authentication failure for tampered ciphertext")
	}
}
