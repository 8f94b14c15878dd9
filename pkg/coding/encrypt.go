package coding

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the symmetric key length for the default encryptor.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the per-message nonce length.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the authentication tag length appended to ciphertext.
	TagSize = chacha20poly1305.Overhead
)

// chachaEncryptor seals chunks with ChaCha20-Poly1305. Output layout
// is nonce then ciphertext then tag; a fresh random nonce is drawn per
// Encrypt call, so a key may seal many chunks.
type chachaEncryptor struct {
	key [KeySize]byte
}

func newChaChaEncryptor(key []byte) (Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	e := &chachaEncryptor{}
	copy(e.key[:], key)
	return e, nil
}

func (e *chachaEncryptor) Algorithm() string { return AlgChaCha20Poly1305 }

func (e *chachaEncryptor) Encrypt(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(e.key[:])
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	out := make([]byte, NonceSize, NonceSize+len(plain)+TagSize)
	if _, err := rand.Read(out[:NonceSize]); err != nil {
		return nil, ErrEncryptionFailed
	}
	return aead.Seal(out, out[:NonceSize], plain, nil), nil
}

func (e *chachaEncryptor) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}
	aead, err := chacha20poly1305.New(e.key[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plain, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		// Deliberately opaque: tampering and wrong keys are not
		// distinguishable to callers.
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
