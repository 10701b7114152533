package keystore

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const saltSize = 32

// KDFParams are the Argon2id cost parameters stored beside each sealed
// secret, so they can be raised without breaking existing files.
type KDFParams struct {
	Memory      uint32 `json:"memory_kib"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDF is used for new key files.
func DefaultKDF() KDFParams {
	return KDFParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

// sealed is a secret encrypted with XChaCha20-Poly1305 under an
// Argon2id-derived key.
type sealed struct {
	KDF        KDFParams `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

func deriveKey(password, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal encrypts secret. ad binds the ciphertext to the file's chain id.
func seal(secret, password, ad []byte, p KDFParams) (*sealed, error) {
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return nil, fmt.Errorf("invalid kdf params %+v", p)
	}
	s := &sealed{KDF: p, Salt: make([]byte, saltSize), Nonce: make([]byte, chacha20poly1305.NonceSizeX)}
	if _, err := rand.Read(s.Salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(s.Nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	key := deriveKey(password, s.Salt, p)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	s.Ciphertext = aead.Seal(nil, s.Nonce, secret, ad)
	return s, nil
}

// open decrypts s. A wrong password and a tampered file both yield
// ErrWrongPassword.
func (s *sealed) open(password, ad []byte) ([]byte, error) {
	if len(s.Salt) != saltSize || len(s.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad salt or nonce length", ErrCorrupt)
	}
	if s.KDF.Memory == 0 || s.KDF.Iterations == 0 || s.KDF.Parallelism == 0 {
		return nil, fmt.Errorf("%w: bad kdf params", ErrCorrupt)
	}

	key := deriveKey(password, s.Salt, s.KDF)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plain, err := aead.Open(nil, s.Nonce, s.Ciphertext, ad)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plain, nil
}
