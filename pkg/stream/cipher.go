package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// NewStreamTransform adapts a cipher.Stream, which is boundary independent by construction:
// it advances its keystream by exactly the number of bytes it is given.
func NewStreamTransform(name string, stream cipher.Stream) Transform {
	return &streamTransform{name: name, stream: stream}
}

type streamTransform struct {
	name   string
	stream cipher.Stream
}

func (s *streamTransform) Name() string { return s.name }

func (s *streamTransform) BoundaryIndependent() bool { return true }

func (s *streamTransform) Transform(dst, src []byte) ([]byte, error) {
	start := len(dst)
	dst = append(dst, src...)
	s.stream.XORKeyStream(dst[start:], dst[start:])

	return dst, nil
}

// NewAESCTRTransform encrypts with AES in counter mode. The key selects AES-128, AES-192 or
// AES-256 by its length, and the iv must be one block long.
func NewAESCTRTransform(key, iv []byte) (Transform, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", block.BlockSize(), len(iv))
	}

	return NewStreamTransform("aes-ctr", cipher.NewCTR(block, iv)), nil
}

// NewXORTransform combines each byte with a repeating key, indexed by the byte's absolute
// position in the stream. The key is copied and must not be empty.
func NewXORTransform(key []byte) Transform {
	if len(key) == 0 {
		panic("xor key must not be empty")
	}

	return NewStreamTransform("xor", &xorStream{key: append([]byte(nil), key...)})
}

// xorStream is a cipher.Stream whose keystream is the key repeated forever.
type xorStream struct {
	key    []byte
	cursor int
}

func (x *xorStream) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("xor: output smaller than input")
	}

	for idx, b := range src {
		dst[idx] = b ^ x.key[x.cursor]
		x.cursor = (x.cursor + 1) % len(x.key)
	}
}
