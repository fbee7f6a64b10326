package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"testing"
)

var testKey = []byte("MySuperSecretKeyForParamsToken12")

func TestRoundTrip(t *testing.T) {
	plain := []byte(`{"connection":{"type":"rdp","settings":{"hostname":"10.0.0.5"}}}`)
	token, err := Encrypt(testKey, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(testKey, token)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

// Build a token by hand the way the python generator does, and check the
// server-side decrypt accepts it.
func TestDecryptGeneratorFormat(t *testing.T) {
	plain := []byte(`{"connection":{"type":"ssh","settings":{"hostname":"h","username":"u"}}}`)
	iv := bytes.Repeat([]byte{0x24}, aes.BlockSize)
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	env, _ := json.Marshal(map[string]string{
		"iv":    base64.StdEncoding.EncodeToString(iv),
		"value": base64.StdEncoding.EncodeToString(ciphertext),
	})
	token := base64.StdEncoding.EncodeToString(env)

	got, err := Decrypt(testKey, token)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("mismatch: %q", got)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	if _, err := Decrypt(testKey, "not-base64!!"); err == nil {
		t.Fatal("expected error for non-base64 token")
	}
	if _, err := Decrypt([]byte("short"), ""); err == nil {
		t.Fatal("expected error for short key")
	}
	env, _ := json.Marshal(map[string]string{
		"iv":    base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0}, aes.BlockSize)),
		"value": base64.StdEncoding.EncodeToString([]byte("misaligned")),
	})
	if _, err := Decrypt(testKey, base64.StdEncoding.EncodeToString(env)); err == nil {
		t.Fatal("expected error for non-block-aligned ciphertext")
	}
}
