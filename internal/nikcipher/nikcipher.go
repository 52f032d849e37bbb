// Package nikcipher encrypts and decrypts national identity numbers with
// AES-256-CBC. Every Encrypt call draws a fresh random IV, so the same
// plaintext never produces the same blob twice and the stored ciphertext
// cannot be used as an equality index.
package nikcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const keySize = 32

// ErrDecrypt is returned for every decryption failure: malformed blob,
// bad hex, wrong IV length, bad padding or a key that cannot open the
// blob. Callers never see the underlying crypto error.
var ErrDecrypt = errors.New("nikcipher: cannot decrypt")

// NormalizeKey derives the fixed-size cipher key from an operator-supplied
// passphrase: shorter passphrases are right-padded with '0', longer ones
// truncated. The padding contract must stay byte-compatible with blobs
// already in the database.
func NormalizeKey(passphrase string) []byte {
	if len(passphrase) >= keySize {
		return []byte(passphrase[:keySize])
	}
	return []byte(passphrase + strings.Repeat("0", keySize-len(passphrase)))
}

// Encrypt returns a blob of the form hex(iv):hex(ciphertext).
func Encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("nikcipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("nikcipher: %w", err)
	}

	padded := pad([]byte(plaintext))
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Any failure, including a wrong key, comes
// back as ErrDecrypt.
func Decrypt(blob string, key []byte) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 2 {
		return "", ErrDecrypt
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrDecrypt
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrDecrypt
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecrypt
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	pt, ok := unpad(pt)
	if !ok {
		return "", ErrDecrypt
	}
	return string(pt), nil
}

// PKCS#7
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
