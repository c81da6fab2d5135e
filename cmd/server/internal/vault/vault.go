package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

// Sentinel errors returned by Open. Callers must treat both as fatal and
// never fall back to interpreting the envelope payload as plaintext.
var (
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrExpiredEnvelope  = errors.New("envelope expired")
	ErrIntegrityFailure = errors.New("envelope integrity check failed")
)

// Key derivation salts. Changing any of these invalidates every stored envelope.
const (
	masterSalt   = "prompt-salt"
	actorSalt    = "actor-salt"
	rotationSalt = "rotate-salt"
)

// scrypt cost parameters (interactive profile)
const (
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

const (
	gcmNonceSize = 12
	ctrIVSize    = aes.BlockSize
	gcmTagSize   = 16
	hashPrefix   = 8 // hex chars of sha256 recorded for post-decrypt verification
)

// Envelope is the opaque ciphertext representation of sealed content.
// Data carries the triple-encrypted payload; each IV belongs to exactly one
// encryption pass and is threaded back into the matching decrypt pass.
type Envelope struct {
	Data      string    `json:"data"`
	IV1       string    `json:"iv1"`
	IV2       string    `json:"iv2"`
	IV3       string    `json:"iv3"`
	Tag       string    `json:"tag"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Vault performs the layered encryption pipeline for prompt content.
// Layer 1 is AES-256-GCM under a master key, layer 2 AES-256-CTR under an
// actor-scoped key, layer 3 AES-256-CTR under a rotation key. The actor layer
// guarantees content sealed for one actor cannot be opened with another
// actor's key even if both long-term secrets are compromised.
type Vault struct {
	masterKey   []byte
	rotationKey []byte
	maxAge      time.Duration

	mu        sync.RWMutex
	actorKeys map[string][]byte
}

// Options configures vault construction.
type Options struct {
	MasterSecret   string
	RotationSecret string
	MaxEnvelopeAge time.Duration
}

// New derives the long-term keys and returns a ready vault.
func New(opts Options) (*Vault, error) {
	if opts.MasterSecret == "" || opts.RotationSecret == "" {
		return nil, errors.New("vault: master and rotation secrets required")
	}
	if opts.MaxEnvelopeAge <= 0 {
		opts.MaxEnvelopeAge = 24 * time.Hour
	}

	masterKey, err := deriveKey(opts.MasterSecret, masterSalt)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	rotationKey, err := deriveKey(opts.RotationSecret, rotationSalt)
	if err != nil {
		return nil, fmt.Errorf("derive rotation key: %w", err)
	}

	return &Vault{
		masterKey:   masterKey,
		rotationKey: rotationKey,
		maxAge:      opts.MaxEnvelopeAge,
		actorKeys:   make(map[string][]byte),
	}, nil
}

// Seal encrypts plaintext through the three passes and returns the envelope.
// Apart from randomness it is side-effect free.
func (v *Vault) Seal(plaintext string, actorID string) (*Envelope, error) {
	actorKey, err := v.actorKey(actorID)
	if err != nil {
		return nil, err
	}

	// Pass 1: authenticated encryption under the master key.
	iv1 := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv1); err != nil {
		return nil, fmt.Errorf("vault: read nonce: %w", err)
	}
	gcm, err := newGCM(v.masterKey)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv1, []byte(plaintext), nil)
	c1, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	// Pass 2: actor-scoped CTR stream.
	c2, iv2, err := ctrEncrypt(actorKey, c1)
	if err != nil {
		return nil, err
	}

	// Pass 3: rotation CTR stream.
	c3, iv3, err := ctrEncrypt(v.rotationKey, c2)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256([]byte(plaintext))

	return &Envelope{
		Data:      base64.StdEncoding.EncodeToString(c3),
		IV1:       hex.EncodeToString(iv1),
		IV2:       hex.EncodeToString(iv2),
		IV3:       hex.EncodeToString(iv3),
		Tag:       hex.EncodeToString(tag),
		Hash:      hex.EncodeToString(digest[:])[:hashPrefix],
		CreatedAt: time.Now(),
	}, nil
}

// Open reverses the three passes in strict order. It rejects stale envelopes
// before touching any key material, verifies the GCM tag during the final
// decryption pass, and re-verifies the recorded digest over the recovered
// plaintext. The returned error never contains plaintext.
func (v *Vault) Open(env *Envelope, actorID string) (string, error) {
	if env == nil || env.Data == "" {
		return "", ErrInvalidEnvelope
	}
	if time.Since(env.CreatedAt) > v.maxAge {
		return "", ErrExpiredEnvelope
	}

	c3, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	iv1, err1 := hex.DecodeString(env.IV1)
	iv2, err2 := hex.DecodeString(env.IV2)
	iv3, err3 := hex.DecodeString(env.IV3)
	tag, err4 := hex.DecodeString(env.Tag)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return "", ErrInvalidEnvelope
	}
	if len(iv1) != gcmNonceSize || len(iv2) != ctrIVSize || len(iv3) != ctrIVSize || len(tag) != gcmTagSize {
		return "", ErrInvalidEnvelope
	}

	actorKey, err := v.actorKey(actorID)
	if err != nil {
		return "", err
	}

	// Pass 3 then pass 2 peel the stream layers.
	c2, err := ctrDecrypt(v.rotationKey, iv3, c3)
	if err != nil {
		return "", err
	}
	c1, err := ctrDecrypt(actorKey, iv2, c2)
	if err != nil {
		return "", err
	}

	// Pass 1 validates the authentication tag.
	gcm, err := newGCM(v.masterKey)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, iv1, append(c1, tag...), nil)
	if err != nil {
		return "", ErrIntegrityFailure
	}

	digest := sha256.Sum256(plaintext)
	if hex.EncodeToString(digest[:])[:hashPrefix] != env.Hash {
		return "", ErrIntegrityFailure
	}

	return string(plaintext), nil
}

// actorKey derives (and memoizes) the per-actor middle-layer key.
func (v *Vault) actorKey(actorID string) ([]byte, error) {
	if actorID == "" {
		actorID = "system"
	}

	v.mu.RLock()
	key, ok := v.actorKeys[actorID]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := deriveKey(actorID, actorSalt)
	if err != nil {
		return nil, fmt.Errorf("derive actor key: %w", err)
	}

	v.mu.Lock()
	v.actorKeys[actorID] = key
	v.mu.Unlock()
	return key, nil
}

func deriveKey(secret, salt string) ([]byte, error) {
	return scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, keyLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func ctrEncrypt(key, src []byte) (dst, iv []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, ctrIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("vault: read iv: %w", err)
	}
	dst = make([]byte, len(src))
	cipher.NewCTR(block, iv).XORKeyStream(dst, src)
	return dst, iv, nil
}

func ctrDecrypt(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCTR(block, iv).XORKeyStream(dst, src)
	return dst, nil
}
