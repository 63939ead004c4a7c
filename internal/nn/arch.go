package nn

import (
	"errors"
	"fmt"
)

// ErrShape reports a malformed batch or architecture
var ErrShape = errors.New("shape mismatch")

// ConvSpec describes one convolutional stage (valid padding, ReLU)
type ConvSpec struct {
	Filters int `yaml:"filters" json:"filters"`
	Kernel  int `yaml:"kernel" json:"kernel"`
	Stride  int `yaml:"stride" json:"stride"`
}

// Arch is the network layout: conv stages over an H×W×C input, one ReLU
// hidden layer and a linear output layer
type Arch struct {
	Height   int        `json:"height"`
	Width    int        `json:"width"`
	Channels int        `json:"channels"`
	Conv     []ConvSpec `json:"conv"`
	Hidden   int        `json:"hidden"`
	Outputs  int        `json:"outputs"`
}

// Shape is a height, width, channel volume
type Shape struct {
	H, W, C int
}

// Size returns H*W*C
func (s Shape) Size() int {
	return s.H * s.W * s.C
}

// InputDim returns the flattened input length
func (a Arch) InputDim() int {
	return a.Height * a.Width * a.Channels
}

// Shapes returns the output volume of every conv stage
func (a Arch) Shapes() ([]Shape, error) {
	if a.Height <= 0 || a.Width <= 0 || a.Channels <= 0 {
		return nil, fmt.Errorf("%w: input %dx%dx%d", ErrShape, a.Height, a.Width, a.Channels)
	}
	shapes := make([]Shape, len(a.Conv))
	in := Shape{H: a.Height, W: a.Width, C: a.Channels}
	for i, c := range a.Conv {
		if c.Filters <= 0 || c.Kernel <= 0 || c.Stride <= 0 {
			return nil, fmt.Errorf("%w: conv %d has filters=%d kernel=%d stride=%d",
				ErrShape, i, c.Filters, c.Kernel, c.Stride)
		}
		if c.Kernel > in.H || c.Kernel > in.W {
			return nil, fmt.Errorf("%w: conv %d kernel %d exceeds input %dx%d",
				ErrShape, i, c.Kernel, in.H, in.W)
		}
		out := Shape{
			H: (in.H-c.Kernel)/c.Stride + 1,
			W: (in.W-c.Kernel)/c.Stride + 1,
			C: c.Filters,
		}
		shapes[i] = out
		in = out
	}
	return shapes, nil
}

// FeatureDim returns the flattened length fed to the hidden layer
func (a Arch) FeatureDim() (int, error) {
	shapes, err := a.Shapes()
	if err != nil {
		return 0, err
	}
	if len(shapes) == 0 {
		return a.InputDim(), nil
	}
	return shapes[len(shapes)-1].Size(), nil
}

// Validate checks that every stage produces a non-empty volume
func (a Arch) Validate() error {
	if _, err := a.Shapes(); err != nil {
		return err
	}
	if a.Hidden <= 0 || a.Outputs <= 0 {
		return fmt.Errorf("%w: hidden=%d outputs=%d", ErrShape, a.Hidden, a.Outputs)
	}
	return nil
}

// NumParams returns the total number of weights (including biases)
func (a Arch) NumParams() (int, error) {
	shapes, err := a.Shapes()
	if err != nil {
		return 0, err
	}
	size := 0
	in := a.Channels
	for i, c := range a.Conv {
		size += (c.Kernel*c.Kernel*in + 1) * c.Filters
		in = shapes[i].C
	}
	feat, _ := a.FeatureDim()
	size += (feat + 1) * a.Hidden
	size += (a.Hidden + 1) * a.Outputs
	return size, nil
}
