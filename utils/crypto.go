package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const saltLen = 16

func deriveKey(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, 1<<15, 8, 1, 32)
}

// EncryptWithPassword seals data with AES-256-GCM under a scrypt-derived
// key. Output layout: salt | nonce | ciphertext.
func EncryptWithPassword(data []byte, password string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append(salt, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// DecryptWithPassword reverses EncryptWithPassword.
func DecryptWithPassword(data []byte, password string) ([]byte, error) {
	if len(data) < saltLen+12 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	key, err := deriveKey(password, data[:saltLen])
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := data[saltLen : saltLen+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, data[saltLen+gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("wrong password or corrupt data")
	}
	return plain, nil
}
