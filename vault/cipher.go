package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// DefaultSalt is used to derive the key when none is configured.
const DefaultSalt = "hodl-vault"

// scrypt cost parameters.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32 // AES-256
)

// separator splits the hex IV from the hex ciphertext of a stored value.
const separator = ":"

// Cipher encrypts single values with AES-256-CBC and PKCS#7 padding.
type Cipher struct {
	block cipher.Block
}

// NewCipher derives a 256 bit key from secret and salt.
func NewCipher(secret, salt string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("empty vault secret")
	}
	if salt == "" {
		salt = DefaultSalt
	}
	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cannot derive vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{block: block}, nil
}

// Encrypt returns "hex(iv):hex(ciphertext)" with a fresh random IV.
func (c *Cipher) Encrypt(plain string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cannot generate iv: %w", err)
	}
	data := pad([]byte(plain), aes.BlockSize)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(data, data)
	return hex.EncodeToString(iv) + separator + hex.EncodeToString(data), nil
}

// IsEncrypted reports whether a stored value has the "iv:ciphertext" layout.
// Other values are legacy plaintext.
func IsEncrypted(value string) bool { return strings.Contains(value, separator) }

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(value string) (string, error) {
	hexIV, hexCT, ok := strings.Cut(value, separator)
	if !ok {
		return "", errors.New("missing iv separator")
	}
	iv, err := hex.DecodeString(hexIV)
	if err != nil {
		return "", fmt.Errorf("invalid iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length %d", len(iv))
	}
	data, err := hex.DecodeString(hexCT)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("invalid ciphertext length %d", len(data))
	}
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(data, data)
	plain, err := unpad(data, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, x := range b[len(b)-n:] {
		if int(x) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
