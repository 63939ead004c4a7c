package env

import (
	"errors"
	"fmt"
)

// ErrGridSize is returned when a snapshot does not match the encoder's board
var ErrGridSize = errors.New("grid size mismatch")

// Encoding names a way of turning a board into network input
type Encoding string

const (
	// EncodingScalar is one channel holding the categorical cell code
	EncodingScalar Encoding = "scalar"
	// EncodingPlanes is one binary channel per non-empty cell kind
	EncodingPlanes Encoding = "planes"
)

// Channels returns the input depth for the encoding
func Channels(enc Encoding) int {
	switch enc {
	case EncodingPlanes:
		return 3
	default:
		return 1
	}
}

// Encoder builds input tensors (height, width, channel order) from snapshots
type Encoder struct {
	encoding Encoding
	size     int
	channels int
}

// NewEncoder creates an encoder for boards of the given size
func NewEncoder(enc Encoding, size int) (*Encoder, error) {
	switch enc {
	case EncodingScalar, EncodingPlanes:
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid grid size %d", size)
	}
	return &Encoder{
		encoding: enc,
		size:     size,
		channels: Channels(enc),
	}, nil
}

// Size returns the board side length
func (e *Encoder) Size() int {
	return e.size
}

// Channels returns the input depth
func (e *Encoder) Channels() int {
	return e.channels
}

// Dim returns the flattened input length
func (e *Encoder) Dim() int {
	return e.size * e.size * e.channels
}

// Encode returns a freshly allocated input vector for s
func (e *Encoder) Encode(s GridState) ([]float64, error) {
	dst := make([]float64, e.Dim())
	if err := e.EncodeInto(dst, s); err != nil {
		return nil, err
	}
	return dst, nil
}

// EncodeInto writes the encoding of s into dst, which must hold Dim values
func (e *Encoder) EncodeInto(dst []float64, s GridState) error {
	if s.size != e.size {
		return fmt.Errorf("%w: state is %dx%d, encoder expects %dx%d",
			ErrGridSize, s.size, s.size, e.size, e.size)
	}
	if len(dst) != e.Dim() {
		return fmt.Errorf("%w: buffer holds %d values, need %d", ErrGridSize, len(dst), e.Dim())
	}
	for i := range dst {
		dst[i] = 0
	}
	for y := 0; y < e.size; y++ {
		for x := 0; x < e.size; x++ {
			c := s.At(x, y)
			base := (y*e.size + x) * e.channels
			switch e.encoding {
			case EncodingPlanes:
				if c != CellEmpty {
					dst[base+int(c)-1] = 1
				}
			default:
				dst[base] = float64(c)
			}
		}
	}
	return nil
}
