package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialization vector length in bytes.
	IVSize = aes.BlockSize

	keyDerivationIterations = 100_000
)

// keyDerivationSalt is fixed so every node configured with the same shared
// secret derives the same envelope key. Discovery and authorization assume
// a single preshared secret per LAN deployment.
var keyDerivationSalt = []byte("offgrid-messenger-envelope-v1")

var (
	// ErrMalformedEnvelope indicates an envelope that cannot be parsed or decrypted.
	ErrMalformedEnvelope = errors.New("crypto: malformed envelope")
	// ErrMissingSecret indicates an empty shared secret.
	ErrMissingSecret = errors.New("crypto: shared secret is required")
)

// DeriveKey stretches the configured shared secret into an AES-256 key.
func DeriveKey(secret string) ([]byte, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	return pbkdf2.Key([]byte(secret), keyDerivationSalt, keyDerivationIterations, KeySize, sha256.New), nil
}

// Cipher seals and opens wire envelopes with a fixed AES-256-CBC key.
type Cipher struct {
	key []byte
}

// NewCipher creates a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid envelope key length: got %d want %d", len(key), KeySize)
	}
	return &Cipher{key: append([]byte(nil), key...)}, nil
}

// NewCipherFromSecret derives the envelope key from a shared secret.
func NewCipherFromSecret(secret string) (*Cipher, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// Seal encrypts plaintext into the textual wire envelope
// "hex(iv):base64(ciphertext)" with a fresh random IV.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	iv, ciphertext, err := c.encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a textual wire envelope produced by Seal.
func (c *Cipher) Open(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 2 {
		return nil, ErrMalformedEnvelope
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: decode iv: %v", ErrMalformedEnvelope, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrMalformedEnvelope, err)
	}

	return c.decrypt(iv, ciphertext)
}

// SealBytes encrypts a binary payload and returns iv||ciphertext. File
// chunks use this form so the wire message stays a single base64 field.
func (c *Cipher) SealBytes(plaintext []byte) ([]byte, error) {
	iv, ciphertext, err := c.encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenBytes decrypts an iv||ciphertext payload produced by SealBytes.
func (c *Cipher) OpenBytes(data []byte) ([]byte, error) {
	if len(data) < IVSize {
		return nil, ErrMalformedEnvelope
	}
	return c.decrypt(data[:IVSize], data[IVSize:])
}

func (c *Cipher) encrypt(plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, nil, fmt.Errorf("create AES cipher: %w", err)
	}

	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return iv, ciphertext, nil
}

func (c *Cipher) decrypt(iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, ErrMalformedEnvelope
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrMalformedEnvelope
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding value")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
