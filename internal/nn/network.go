// Package nn implements the convolutional action-value network trained by
// the agent: a stack of conv stages, one hidden layer and a linear head,
// with every weight stored in one contiguous parameter vector.
package nn

import (
	"fmt"
	"sync"

	"golang.org/x/exp/rand"
)

// Network maps a batch of encoded states to action-value vectors.
// Predict may run concurrently with itself; Fit and SetParams must not run
// concurrently with anything else.
type Network struct {
	arch    Arch
	shapes  []Shape
	featDim int

	// Weights stored contiguously, layers hold views into them
	params []float64
	grads  []float64

	convs  []*conv
	hidden *dense
	output *dense

	lr  float64
	opt *adam

	pool sync.Pool
}

// New creates a network with Glorot-uniform weights and zero biases
func New(arch Arch, learningRate float64, rng *rand.Rand) (*Network, error) {
	n, err := build(arch, learningRate)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	n.initWeights(rng)
	return n, nil
}

func build(arch Arch, learningRate float64) (*Network, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if learningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", learningRate)
	}
	shapes, _ := arch.Shapes()
	featDim, _ := arch.FeatureDim()
	size, _ := arch.NumParams()

	n := &Network{
		arch:    arch,
		shapes:  shapes,
		featDim: featDim,
		params:  make([]float64, size),
		grads:   make([]float64, size),
		lr:      learningRate,
		opt:     newAdam(learningRate, size),
	}

	in := Shape{H: arch.Height, W: arch.Width, C: arch.Channels}
	for i, spec := range arch.Conv {
		n.convs = append(n.convs, newConv(in, shapes[i], spec))
		in = shapes[i]
	}
	n.hidden = &dense{in: featDim, out: arch.Hidden, act: true}
	n.output = &dense{in: arch.Hidden, out: arch.Outputs}

	offset := 0
	for _, l := range n.convs {
		offset += l.bind(n.params[offset:], n.grads[offset:])
	}
	offset += n.hidden.bind(n.params[offset:], n.grads[offset:])
	n.output.bind(n.params[offset:], n.grads[offset:])
	return n, nil
}

func (n *Network) initWeights(rng *rand.Rand) {
	for _, l := range n.convs {
		glorotUniform(l.w, l.k*l.k*l.in.C, l.k*l.k*l.out.C, rng)
	}
	glorotUniform(n.hidden.w, n.hidden.in, n.hidden.out, rng)
	glorotUniform(n.output.w, n.output.in, n.output.out, rng)
}

// Arch returns the network layout
func (n *Network) Arch() Arch {
	return n.arch
}

// NumParams returns the length of the parameter vector
func (n *Network) NumParams() int {
	return len(n.params)
}

// Params returns a copy of the parameter vector
func (n *Network) Params() []float64 {
	return CloneParams(n.params)
}

// SetParams copies p into the network; the network never aliases p
func (n *Network) SetParams(p []float64) error {
	if len(p) != len(n.params) {
		return fmt.Errorf("%w: %d params for a network of %d", ErrShape, len(p), len(n.params))
	}
	copy(n.params, p)
	return nil
}

// Clone returns an independent network with the same weights and a fresh optimizer
func (n *Network) Clone() *Network {
	c, _ := build(n.arch, n.lr)
	copy(c.params, n.params)
	return c
}

func (n *Network) checkInputs(inputs [][]float64) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: empty batch", ErrShape)
	}
	dim := n.arch.InputDim()
	for i, in := range inputs {
		if len(in) != dim {
			return fmt.Errorf("%w: input %d has %d values, want %d", ErrShape, i, len(in), dim)
		}
	}
	return nil
}

// forward runs the batch through every layer, leaving activations in ws
func (n *Network) forward(ws *workspace, inputs [][]float64) {
	dim := n.arch.InputDim()
	for i, in := range inputs {
		copy(ws.x[i*dim:(i+1)*dim], in)
	}

	batch := len(inputs)
	src := ws.x
	for i, l := range n.convs {
		l.forward(src, ws.cols[i], ws.acts[i], batch)
		src = ws.acts[i]
	}
	n.hidden.forward(src, ws.hidden, batch)
	n.output.forward(ws.hidden, ws.output, batch)
}

// Predict returns one action-value vector per input. It does not touch the
// parameters.
func (n *Network) Predict(inputs [][]float64) ([][]float64, error) {
	if err := n.checkInputs(inputs); err != nil {
		return nil, err
	}
	ws := n.acquire(len(inputs))
	defer n.release(ws)

	n.forward(ws, inputs)
	return split(ws.output, len(inputs), n.arch.Outputs), nil
}

// Fit performs exactly one Adam update minimising the mean squared error
// between Predict(inputs) and targets. It returns the loss measured before
// the update.
func (n *Network) Fit(inputs, targets [][]float64) (float64, error) {
	loss, err := n.lossAndGrad(inputs, targets)
	if err != nil {
		return 0, err
	}
	n.opt.step(n.params, n.grads)
	return loss, nil
}

// lossAndGrad fills n.grads with dLoss/dParams for the batch
func (n *Network) lossAndGrad(inputs, targets [][]float64) (float64, error) {
	if err := n.checkInputs(inputs); err != nil {
		return 0, err
	}
	if len(targets) != len(inputs) {
		return 0, fmt.Errorf("%w: %d targets for %d inputs", ErrShape, len(targets), len(inputs))
	}
	outs := n.arch.Outputs
	for i, t := range targets {
		if len(t) != outs {
			return 0, fmt.Errorf("%w: target %d has %d values, want %d", ErrShape, i, len(t), outs)
		}
	}

	batch := len(inputs)
	ws := n.acquire(batch)
	defer n.release(ws)
	n.forward(ws, inputs)

	count := float64(batch * outs)
	var loss float64
	for i, t := range targets {
		for j, want := range t {
			k := i*outs + j
			diff := ws.output[k] - want
			loss += diff * diff
			ws.dOutput[k] = 2 * diff / count
		}
	}
	loss /= count

	for i := range n.grads {
		n.grads[i] = 0
	}

	feat := ws.x
	var dFeat []float64
	if last := len(n.convs) - 1; last >= 0 {
		feat = ws.acts[last]
		dFeat = ws.dActs[last]
	}
	n.output.backward(ws.hidden, ws.output, ws.dOutput, ws.dHidden, batch)
	n.hidden.backward(feat, ws.hidden, ws.dHidden, dFeat, batch)

	// The first stage needs no input gradient
	for i := len(n.convs) - 1; i >= 0; i-- {
		var dx, dcols []float64
		if i > 0 {
			dx = ws.dActs[i-1]
			dcols = ws.dCols[i]
		}
		n.convs[i].backward(ws.cols[i], ws.acts[i], ws.dActs[i], dcols, dx, batch)
	}
	return loss, nil
}

// FeatureMap is the activation volume of one conv stage for one input,
// stored height, width, channel
type FeatureMap struct {
	Shape
	Data []float64
}

// At returns the activation at row y, column x, channel c
func (f FeatureMap) At(y, x, c int) float64 {
	return f.Data[(y*f.W+x)*f.C+c]
}

// Activations runs one input through the conv stages and returns each
// stage's output
func (n *Network) Activations(input []float64) ([]FeatureMap, error) {
	if err := n.checkInputs([][]float64{input}); err != nil {
		return nil, err
	}
	ws := n.acquire(1)
	defer n.release(ws)

	n.forward(ws, [][]float64{input})
	maps := make([]FeatureMap, len(n.convs))
	for i := range n.convs {
		maps[i] = FeatureMap{Shape: n.shapes[i], Data: CloneParams(ws.acts[i])}
	}
	return maps, nil
}

func split(flat []float64, rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
		copy(out[i], flat[i*cols:(i+1)*cols])
	}
	return out
}
