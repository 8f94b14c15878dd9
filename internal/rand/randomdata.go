// Package rand generates non-cryptographic random data: message
// nonces, test payloads, scratch identifiers. Key material always
// comes from crypto/rand instead.
package rand

import (
	"bytes"
	"math/rand"
	"sync"
	"time"
)

var (
	onceSource  sync.Once
	rgen        *rand.Rand
	onceLetters sync.Once
	randMutex   sync.Mutex
	letters     []byte
)

func seed() {
	rgen = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec
}

// Bytes returns n random bytes.
func Bytes(n int) []byte {
	onceSource.Do(seed)
	buf := make([]byte, n)
	randMutex.Lock()
	_, _ = rgen.Read(buf)
	randMutex.Unlock()
	return buf
}

// Uint64 returns a random 64-bit value, suitable as a message nonce.
func Uint64() uint64 {
	onceSource.Do(seed)
	randMutex.Lock()
	v := rgen.Uint64()
	randMutex.Unlock()
	return v
}

// LetterString returns a random [0-9a-z] string, suitable as a
// scratch identifier.
func LetterString(n int) string {
	onceLetters.Do(func() {
		// padded with extra "a" so the table covers the whole byte range
		letters = bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz0123456789a"), 7)
	})
	buf := Bytes(n)
	for i, b := range buf {
		buf[i] = letters[b]
	}
	return string(buf)
}
