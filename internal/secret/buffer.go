// Package secret holds plaintext credentials and provider keys in
// buffers that are zeroed when released.
//
// Memory is taken from an anonymous mmap region locked into RAM when
// the process is allowed to mlock; otherwise it falls back to a heap
// slice that is still zeroed on Close. Either way the contents never
// live in an immutable string owned by this package.
package secret

import (
	"crypto/subtle"
	"fmt"
	"sync"
)

// Buffer is a mutable holder for sensitive bytes. A Buffer must not be
// copied after creation. After Close, Bytes and String panic.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	length  int
	release func([]byte) error
	closed  bool
}

// New allocates a zero-filled buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, release := allocate(size)
	return &Buffer{data: data, length: size, release: release}, nil
}

// NewFromBytes copies source into a new buffer and zeroes source, so the
// caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	b, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(b.data, source)
	Wipe(source)

	return b, nil
}

// NewFromString copies s into a new buffer. The string itself cannot be
// scrubbed; use it only at API boundaries that hand over strings.
func NewFromString(s string) (*Buffer, error) {
	if s == "" {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	b, err := New(len(s))
	if err != nil {
		return nil, err
	}
	copy(b.data, s)

	return b, nil
}

// Bytes returns the secret. The slice aliases the buffer's memory and is
// invalid after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// String returns a heap copy of the secret for APIs that only take strings.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.data[:b.length])
}

// Len returns the length of the secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.length
}

// Equal reports whether the buffer holds exactly other, in constant time.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	return subtle.ConstantTimeCompare(b.data[:b.length], other) == 1
}

// Close zeroes and releases the buffer. Close is idempotent and safe on
// a nil Buffer.
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	Wipe(b.data)
	err := b.release(b.data)
	b.data = nil

	return err
}

// Wipe overwrites p with zeros.
func Wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
