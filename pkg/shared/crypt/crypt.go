package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Token cipher compatible with the bastion token generator: the token is
// base64(JSON{"iv": base64(iv), "value": base64(ciphertext)}) where the
// ciphertext is AES-256-CBC over PKCS#7-padded JSON plaintext.

const KeyLength = 32

type envelope struct {
	IV    string `json:"iv"`
	Value string `json:"value"`
}

// Decrypt opens a connection token and returns the plaintext JSON.
func Decrypt(key []byte, token string) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("crypt: key must be %d bytes, got %d", KeyLength, len(key))
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("crypt: token is not base64: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("crypt: token envelope: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("crypt: iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Value)
	if err != nil {
		return nil, fmt.Errorf("crypt: value: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("crypt: iv must be one AES block")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("crypt: ciphertext is not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

// Encrypt produces a token the way the generator does. Used by tests and
// tooling; the server itself only decrypts.
func Encrypt(key, plaintext []byte) (string, error) {
	if len(key) != KeyLength {
		return "", fmt.Errorf("crypt: key must be %d bytes, got %d", KeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	env := envelope{
		IV:    base64.StdEncoding.EncodeToString(iv),
		Value: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("crypt: empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("crypt: bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("crypt: bad padding")
		}
	}
	return b[:len(b)-n], nil
}
