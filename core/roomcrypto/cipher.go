// Package roomcrypto implements the symmetric cipher protecting message
// bodies at rest.
//
// Each room owns a 256-bit AES key, rendered as 64 lowercase hex characters
// both in storage and on the wire. Bodies are AES-256-CBC with PKCS#7 padding
// and a fresh random IV per encryption, encoded as "<iv-hex>:<ct-hex>".
package roomcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// IVSize is the CBC initialization vector size in bytes.
	IVSize = aes.BlockSize
)

var (
	ErrInvalidKey    = errors.New("invalid key: must be 64 hex characters")
	ErrMalformedBody = errors.New("malformed body: want iv-hex:ct-hex")
	ErrUndecryptable = errors.New("body does not decrypt under this key")
)

// NewKey generates a fresh 256-bit room key, hex-encoded.
func NewKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating room key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Encrypt encrypts plaintext under the hex-encoded key, producing an
// "<iv-hex>:<ct-hex>" body with a fresh random IV.
func Encrypt(plaintext, key string) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	padded := pad([]byte(plaintext))
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt decrypts an "<iv-hex>:<ct-hex>" body under the hex-encoded key.
// Returns ErrMalformedBody if the body is not exactly two hex fields joined
// by a colon, and ErrUndecryptable if the padding does not verify.
func Decrypt(body, key string) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}

	parts := strings.Split(body, ":")
	if len(parts) != 2 {
		return "", ErrMalformedBody
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != IVSize {
		return "", ErrMalformedBody
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrMalformedBody
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	unpadded, err := unpad(pt)
	if err != nil {
		return "", ErrUndecryptable
	}
	return string(unpadded), nil
}

func newBlock(key string) (cipher.Block, error) {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	return aes.NewCipher(raw)
}

// pad applies PKCS#7 padding up to the AES block size. Always appends at
// least one byte, so empty plaintexts round-trip.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("invalid padding length")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return b[:len(b)-n], nil
}
