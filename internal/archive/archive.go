// Package archive turns a set of named collection payloads into a single
// compressed, encrypted blob and back. It knows nothing about storage,
// catalogs, or scheduling.
package archive

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/fernwick/moneta/internal/datastore"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

// ErrEncryptionConfig reports missing or invalid key material. Startup must
// treat this as fatal; there is no fallback key.
var ErrEncryptionConfig = errors.New("encryption passphrase not configured")

// Envelope is the metadata written alongside the collection payloads.
type Envelope struct {
	Version       string     `json:"version"`
	Environment   string     `json:"environment"`
	Type          string     `json:"type"`
	CreatedAt     time.Time  `json:"created_at"`
	Since         *time.Time `json:"since,omitempty"`
	DocumentCount int        `json:"document_count"`
}

// CollectionPayload holds every captured document of one collection.
type CollectionPayload struct {
	Name      string               `json:"name"`
	Documents []datastore.Document `json:"documents"`
}

// Payload is the full structured content of one archive.
type Payload struct {
	Meta        Envelope            `json:"meta"`
	Collections []CollectionPayload `json:"collections"`
}

// Codec performs the serialize -> compress -> encrypt pipeline and its
// reverse. Blob layout: [16-byte salt][12-byte nonce][AES-256-GCM ciphertext].
// Salt and nonce are freshly random per archive; the key is derived from the
// passphrase with Argon2id, never used raw.
type Codec struct {
	passphrase string
}

func NewCodec(passphrase string) (*Codec, error) {
	if passphrase == "" {
		return nil, ErrEncryptionConfig
	}
	return &Codec{passphrase: passphrase}, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMem, argonPar, keySize)
}

// Encode serializes, compresses, and encrypts the payload.
func (c *Codec) Encode(p *Payload) ([]byte, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(plain); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush gzip: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(c.passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, compressed.Bytes(), nil)

	out := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode decrypts, decompresses, and deserializes a blob produced by Encode.
// Any tampering fails GCM authentication before decompression is attempted.
func (c *Codec) Decode(blob []byte) (*Payload, error) {
	if len(blob) < saltSize+nonceSize {
		return nil, fmt.Errorf("archive too small: %d bytes", len(blob))
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	block, err := aes.NewCipher(deriveKey(c.passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	compressed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt archive: %w", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &p, nil
}
