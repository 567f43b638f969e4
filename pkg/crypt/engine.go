package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"io"

	"github.com/pkg/errors"

	"sharezone/pkg/domain"
)

const (
	// KeySize is fixed at 256 bits. One key encrypts exactly one file.
	KeySize = 32

	envelopeVersion = 1
	algAES256GCM    = 1
)

// envelope layout: magic(4) | version(1) | alg(1) | nonce(12) | sealed body.
// Everything decrypt needs besides the key travels inside the envelope.
var envelopeMagic = []byte("SZE\x00")

const envelopeHeaderLen = 4 + 1 + 1

type Key []byte

// GenerateKey reads a fresh 256-bit key from the platform entropy source.
// There is no weaker fallback: if crypto/rand fails, the encrypt operation
// fails with ErrEntropyUnavailable.
func GenerateKey() (Key, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, errors.Wrap(domain.ErrEntropyUnavailable, err.Error())
	}
	return k, nil
}

// Encrypt generates a per-file key and seals the payload under AES-256-GCM.
// The plaintext is packed through the block codec first so the exact byte
// length survives the round trip. Each call draws its own nonce; envelopes
// are fully independent even under key reuse by a misbehaving caller.
func Encrypt(plaintext []byte) ([]byte, Key, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := EncryptWithKey(plaintext, key)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, key, nil
}

func EncryptWithKey(plaintext []byte, key Key) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(domain.ErrEntropyUnavailable, err.Error())
	}
	header := make([]byte, 0, envelopeHeaderLen+aead.NonceSize())
	header = append(header, envelopeMagic...)
	header = append(header, envelopeVersion, algAES256GCM)
	header = append(header, nonce...)

	raw := ToBlockSequence(plaintext).Marshal()
	// The header is bound as additional data so tampering with the
	// algorithm byte or nonce fails authentication.
	sealed := aead.Seal(nil, nonce, raw, header)
	return append(header, sealed...), nil
}

// Decrypt opens an envelope produced by Encrypt. Wrong key, truncation, or
// corruption all surface as ErrDecryptionFailed; partial plaintext is never
// returned.
func Decrypt(ciphertext []byte, key Key) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryptionFailed, err.Error())
	}
	headerLen := envelopeHeaderLen + aead.NonceSize()
	if len(ciphertext) < headerLen {
		return nil, errors.Wrap(domain.ErrDecryptionFailed, "envelope truncated")
	}
	header := ciphertext[:headerLen]
	if subtle.ConstantTimeCompare(header[:4], envelopeMagic) != 1 {
		return nil, errors.Wrap(domain.ErrDecryptionFailed, "bad envelope magic")
	}
	if header[4] != envelopeVersion {
		return nil, errors.Wrapf(domain.ErrDecryptionFailed, "unsupported envelope version %d", header[4])
	}
	if header[5] != algAES256GCM {
		return nil, errors.Wrapf(domain.ErrDecryptionFailed, "unsupported algorithm %d", header[5])
	}
	nonce := header[envelopeHeaderLen:headerLen]
	raw, err := aead.Open(nil, nonce, ciphertext[headerLen:], header)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryptionFailed, "authentication failed")
	}
	seq, err := UnmarshalBlockSequence(raw)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryptionFailed, err.Error())
	}
	return seq.Bytes(), nil
}

func newAEAD(key Key) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
