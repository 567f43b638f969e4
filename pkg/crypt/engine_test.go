package crypt

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"sharezone/pkg/domain"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("a"),
		[]byte("hello world"),
		bytes.Repeat([]byte{0x5A}, 4096),
		bytes.Repeat([]byte("chunk"), 1000), // not word-aligned
	}
	for _, plaintext := range cases {
		ciphertext, key, err := Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if len(plaintext) > 0 && bytes.Contains(ciphertext, plaintext) {
			t.Errorf("ciphertext contains plaintext")
		}
		got, err := Decrypt(ciphertext, key)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch for %d bytes", len(plaintext))
		}
	}
}

func TestGenerateKey_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		k, err := GenerateKey()
		if err != nil {
			t.Fatalf("generate key failed: %v", err)
		}
		if len(k) != KeySize {
			t.Fatalf("key length = %d, want %d", len(k), KeySize)
		}
		if _, dup := seen[string(k)]; dup {
			t.Fatalf("duplicate key after %d samples", i)
		}
		seen[string(k)] = struct{}{}
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	ciphertext, _, err := Encrypt([]byte("sensitive payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	wrongKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	_, err = Decrypt(ciphertext, wrongKey)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecrypt_Corrupted(t *testing.T) {
	ciphertext, key, err := Encrypt([]byte("sensitive payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	for _, mutate := range []func([]byte) []byte{
		func(c []byte) []byte { c[len(c)-1] ^= 0x01; return c },         // flip tag bit
		func(c []byte) []byte { c[10] ^= 0x01; return c },               // flip nonce bit
		func(c []byte) []byte { return c[:len(c)-5] },                   // truncate
		func(c []byte) []byte { return c[:4] },                          // header only
		func(c []byte) []byte { c[0] = 'X'; return c },                  // bad magic
		func(c []byte) []byte { c[5] = 99; return c },                   // unknown alg
	} {
		mutated := mutate(append([]byte(nil), ciphertext...))
		if _, err := Decrypt(mutated, key); !errors.Is(err, domain.ErrDecryptionFailed) {
			t.Errorf("expected ErrDecryptionFailed for corrupted envelope, got %v", err)
		}
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	plaintext := []byte("same input")
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	a, err := EncryptWithKey(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	b, err := EncryptWithKey(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Errorf("two envelopes under the same key are identical; nonce reused")
	}
}

func TestDecrypt_BadKeyLength(t *testing.T) {
	ciphertext, _, err := Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt(ciphertext, Key("short")); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed for short key, got %v", err)
	}
}
