// Package attachcrypto encrypts and decrypts attachment blobs.
// The wire format is IV (16 bytes) || AES-256-CBC ciphertext ||
// HMAC-SHA256 (32 bytes). The 64-byte key splits into a 32-byte AES
// key followed by a 32-byte HMAC key.
package attachcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// KeySize is the combined AES+HMAC key length.
const KeySize = 64

const macLen = sha256.Size

// NewKey generates a fresh 64-byte attachment key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("attachment: generate key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts a plaintext blob, returning the wire-format data and
// the SHA-256 digest of that data for the attachment pointer.
func Encrypt(plaintext, key []byte) (data, digest []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("attachment: key must be %d bytes, got %d", KeySize, len(key))
	}
	aesKey := key[:32]
	hmacKey := key[32:]

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("attachment: create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("attachment: generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	data = make([]byte, 0, len(iv)+len(ct)+macLen)
	data = append(data, iv...)
	data = append(data, ct...)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(data)
	data = mac.Sum(data)

	sum := sha256.Sum256(data)
	return data, sum[:], nil
}

// Decrypt verifies and decrypts wire-format attachment data. If digest
// is non-nil it is checked against the data first.
func Decrypt(data, key, digest []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("attachment: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(data) < aes.BlockSize+macLen+aes.BlockSize {
		return nil, fmt.Errorf("attachment: data too short (%d bytes)", len(data))
	}

	if digest != nil {
		sum := sha256.Sum256(data)
		if !hmac.Equal(sum[:], digest) {
			return nil, fmt.Errorf("attachment: digest mismatch")
		}
	}

	aesKey := key[:32]
	hmacKey := key[32:]

	iv := data[:aes.BlockSize]
	ct := data[aes.BlockSize : len(data)-macLen]
	expectedMAC := data[len(data)-macLen:]

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(data[:len(data)-macLen])
	if !hmac.Equal(mac.Sum(nil), expectedMAC) {
		return nil, fmt.Errorf("attachment: HMAC verification failed")
	}

	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("attachment: ciphertext not block-aligned")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("attachment: create cipher: %w", err)
	}
	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("attachment: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("attachment: invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("attachment: invalid PKCS7 padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
