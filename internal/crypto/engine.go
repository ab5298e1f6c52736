// Package crypto implements per-conversation message encryption: an
// HKDF-SHA256 key derived from a process-wide master secret with the
// conversation id as context, and AES-256-GCM with a fresh random nonce per
// call. Only message content is encrypted; sender, recipient, conversation
// id, and timestamps stay in plaintext to support querying.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
)

// ErrAuthenticationFailure means the ciphertext failed integrity
// verification: wrong key, altered ciphertext, or altered nonce. Surfaced to
// callers as "content unavailable"; corrupted plaintext is never returned.
var ErrAuthenticationFailure = errors.New("message authentication failed")

// Engine derives per-conversation keys from one master secret. Rotating the
// master secret invalidates decryption of all prior messages; that is an
// accepted operational constraint.
type Engine struct {
	masterKey []byte
}

// NewEngine builds an engine from the configured master key. A 64-character
// hex string decodes to its 32 raw bytes; anything else is used as raw bytes
// padded or truncated to 32.
func NewEngine(masterKey string) (*Engine, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("encryption master key is empty")
	}

	var key []byte
	if len(masterKey) == 2*keySize {
		decoded, err := hex.DecodeString(masterKey)
		if err == nil {
			key = decoded
		}
	}
	if key == nil {
		key = make([]byte, keySize)
		copy(key, masterKey)
	}

	return &Engine{masterKey: key}, nil
}

// DeriveKey produces the conversation's encryption key. Deterministic in
// (master key, conversation id); never reused across conversations. The key
// exists only for the duration of the calling encrypt/decrypt operation.
func (e *Engine) DeriveKey(conversationID string) ([]byte, error) {
	hk := hkdf.New(sha256.New, e.masterKey, nil, []byte(conversationID))

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}

	return key, nil
}

// Encrypt seals plaintext under the key with a random 96-bit nonce drawn
// from crypto/rand per call, which structurally prevents nonce reuse.
func (e *Engine) Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext. Any integrity failure yields
// ErrAuthenticationFailure with no partial plaintext.
func (e *Engine) Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != nonceSize {
		return nil, ErrAuthenticationFailure
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	return plaintext, nil
}

// EncryptForConversation derives the conversation key and seals content in
// one step. This is the path the messaging pipeline uses.
func (e *Engine) EncryptForConversation(conversationID string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	key, err := e.DeriveKey(conversationID)
	if err != nil {
		return nil, nil, err
	}
	return e.Encrypt(key, plaintext)
}

// DecryptForConversation derives the conversation key and opens content in
// one step. This is the read-path counterpart of EncryptForConversation.
func (e *Engine) DecryptForConversation(conversationID string, nonce, ciphertext []byte) ([]byte, error) {
	key, err := e.DeriveKey(conversationID)
	if err != nil {
		return nil, err
	}
	return e.Decrypt(key, nonce, ciphertext)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return aead, nil
}
