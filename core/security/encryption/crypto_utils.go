package encryption

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

const (
	// SaltSize is the number of random bytes stored in the salt page.
	SaltSize = 16
	// HashSize is the size of the password verification hash kept in the header page.
	HashSize = 32

	keyIterations = 10_000
	keySize       = 64 // two AES-256 keys for XTS

	logTweak uint64 = 1 << 63
)

// PageCipher encrypts whole pages with AES-XTS. XTS is length preserving, so an
// encrypted page has exactly the size of a plain one; the page number is the tweak
// so equal pages at different positions never produce the same ciphertext.
type PageCipher struct {
	xts  *xts.Cipher
	hash [HashSize]byte
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewPageCipher derives the page key and the verification hash from password and salt.
func NewPageCipher(password string, salt []byte) (*PageCipher, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	material := pbkdf2.Key([]byte(password), salt, keyIterations, keySize+HashSize, sha256.New)
	c, err := xts.NewCipher(aes.NewCipher, material[:keySize])
	if err != nil {
		return nil, fmt.Errorf("failed to create XTS cipher: %w", err)
	}
	pc := &PageCipher{xts: c}
	copy(pc.hash[:], material[keySize:])
	return pc, nil
}

// Hash is the value stored in the header page to recognise the password.
func (c *PageCipher) Hash() [HashSize]byte { return c.hash }

// Verify compares a stored hash in constant time.
func (c *PageCipher) Verify(stored []byte) bool {
	return subtle.ConstantTimeCompare(c.hash[:], stored) == 1
}

func tweak(pageNumber uint64, log bool) uint64 {
	if log {
		return pageNumber | logTweak
	}
	return pageNumber
}

// Encrypt writes the ciphertext of plain into dst. Both must be a multiple of 16 bytes.
func (c *PageCipher) Encrypt(dst, plain []byte, pageNumber uint64, log bool) {
	c.xts.Encrypt(dst, plain, tweak(pageNumber, log))
}

// Decrypt is the inverse of Encrypt.
func (c *PageCipher) Decrypt(dst, ciphertext []byte, pageNumber uint64, log bool) {
	c.xts.Decrypt(dst, ciphertext, tweak(pageNumber, log))
}
