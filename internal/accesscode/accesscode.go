package accesscode

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strconv"
)

const (
	// Min and Max bound the six-digit code space, inclusive.
	Min = 100000
	Max = 999999

	// MaxRejections is how many colliding draws Generate tolerates.
	MaxRejections = 100
)

// ErrCodeSpaceExhausted is returned when every draw collided with an active code.
var ErrCodeSpaceExhausted = errors.New("accesscode: no free code after max attempts")

// Source draws an integer uniformly from [0, n).
type Source func(n int64) (int64, error)

// CryptoSource draws from crypto/rand.
func CryptoSource(n int64) (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

// Generator produces door codes that do not collide with active ones.
type Generator struct {
	src Source
}

// New returns a Generator using src, or crypto/rand when src is nil.
func New(src Source) *Generator {
	if src == nil {
		src = CryptoSource
	}
	return &Generator{src: src}
}

// Generate returns a six-digit code not present in active.
func (g *Generator) Generate(active map[string]struct{}) (string, error) {
	for attempt := 0; attempt < MaxRejections; attempt++ {
		n, err := g.src(Max - Min + 1)
		if err != nil {
			return "", err
		}
		code := strconv.FormatInt(Min+n, 10)
		if _, taken := active[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}
