package nn

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// conv is a valid-padding convolution over HWC volumes. The kernel is stored
// as a (k*k*inC)×outC matrix so a whole batch is one product with the
// im2col patches.
type conv struct {
	in, out Shape
	k, s    int
	kdim    int

	w, b   []float64
	gw, gb []float64
}

func newConv(in, out Shape, spec ConvSpec) *conv {
	return &conv{
		in:   in,
		out:  out,
		k:    spec.Kernel,
		s:    spec.Stride,
		kdim: spec.Kernel * spec.Kernel * in.C,
	}
}

func (l *conv) numParams() int {
	return (l.kdim + 1) * l.out.C
}

// bind points the layer at its slices of the flat parameter and gradient vectors
func (l *conv) bind(params, grads []float64) int {
	nw := l.kdim * l.out.C
	l.w, l.gw = params[:nw], grads[:nw]
	l.b, l.gb = params[nw:nw+l.out.C], grads[nw:nw+l.out.C]
	return l.numParams()
}

func (l *conv) positions() int {
	return l.out.H * l.out.W
}

// im2col unrolls the receptive field of each output position of one sample
func (l *conv) im2col(x, cols []float64) {
	row := 0
	for oy := 0; oy < l.out.H; oy++ {
		for ox := 0; ox < l.out.W; ox++ {
			dst := cols[row*l.kdim : (row+1)*l.kdim]
			i := 0
			for ky := 0; ky < l.k; ky++ {
				base := ((oy*l.s+ky)*l.in.W + ox*l.s) * l.in.C
				n := l.k * l.in.C
				copy(dst[i:i+n], x[base:base+n])
				i += n
			}
			row++
		}
	}
}

// col2im scatters patch gradients of one sample back onto its input gradient
func (l *conv) col2im(dcols, dx []float64) {
	row := 0
	for oy := 0; oy < l.out.H; oy++ {
		for ox := 0; ox < l.out.W; ox++ {
			src := dcols[row*l.kdim : (row+1)*l.kdim]
			i := 0
			for ky := 0; ky < l.k; ky++ {
				base := ((oy*l.s+ky)*l.in.W + ox*l.s) * l.in.C
				n := l.k * l.in.C
				floats.Add(dx[base:base+n], src[i:i+n])
				i += n
			}
			row++
		}
	}
}

// forward computes ReLU(conv(x)) for a batch. x holds batch input volumes,
// cols receives the patches, act receives the output volumes.
func (l *conv) forward(x, cols, act []float64, batch int) {
	inSize, colSize := l.in.Size(), l.positions()*l.kdim
	for n := 0; n < batch; n++ {
		l.im2col(x[n*inSize:(n+1)*inSize], cols[n*colSize:(n+1)*colSize])
	}

	rows := batch * l.positions()
	out := mat.NewDense(rows, l.out.C, act)
	out.Mul(mat.NewDense(rows, l.kdim, cols), mat.NewDense(l.kdim, l.out.C, l.w))
	for r := 0; r < rows; r++ {
		v := act[r*l.out.C : (r+1)*l.out.C]
		floats.Add(v, l.b)
		relu(v)
	}
}

// backward takes dact (gradient w.r.t. the layer output, masked in place by
// the ReLU) and accumulates parameter gradients. When dx is non-nil it
// receives the gradient w.r.t. the input, using dcols as scratch.
func (l *conv) backward(cols, act, dact, dcols, dx []float64, batch int) {
	reluGrad(dact, act)

	rows := batch * l.positions()
	dOut := mat.NewDense(rows, l.out.C, dact)
	gw := mat.NewDense(l.kdim, l.out.C, l.gw)
	gw.Mul(mat.NewDense(rows, l.kdim, cols).T(), dOut)
	for r := 0; r < rows; r++ {
		floats.Add(l.gb, dact[r*l.out.C:(r+1)*l.out.C])
	}

	if dx == nil {
		return
	}
	dc := mat.NewDense(rows, l.kdim, dcols)
	dc.Mul(dOut, mat.NewDense(l.kdim, l.out.C, l.w).T())

	for i := range dx {
		dx[i] = 0
	}
	inSize, colSize := l.in.Size(), l.positions()*l.kdim
	for n := 0; n < batch; n++ {
		l.col2im(dcols[n*colSize:(n+1)*colSize], dx[n*inSize:(n+1)*inSize])
	}
}

// dense is a fully-connected layer, optionally followed by a ReLU
type dense struct {
	in, out int
	act     bool

	w, b   []float64
	gw, gb []float64
}

func (l *dense) numParams() int {
	return (l.in + 1) * l.out
}

func (l *dense) bind(params, grads []float64) int {
	nw := l.in * l.out
	l.w, l.gw = params[:nw], grads[:nw]
	l.b, l.gb = params[nw:nw+l.out], grads[nw:nw+l.out]
	return l.numParams()
}

func (l *dense) forward(x, y []float64, batch int) {
	out := mat.NewDense(batch, l.out, y)
	out.Mul(mat.NewDense(batch, l.in, x), mat.NewDense(l.in, l.out, l.w))
	for n := 0; n < batch; n++ {
		v := y[n*l.out : (n+1)*l.out]
		floats.Add(v, l.b)
		if l.act {
			relu(v)
		}
	}
}

func (l *dense) backward(x, y, dy, dx []float64, batch int) {
	if l.act {
		reluGrad(dy, y)
	}

	dOut := mat.NewDense(batch, l.out, dy)
	gw := mat.NewDense(l.in, l.out, l.gw)
	gw.Mul(mat.NewDense(batch, l.in, x).T(), dOut)
	for n := 0; n < batch; n++ {
		floats.Add(l.gb, dy[n*l.out:(n+1)*l.out])
	}

	if dx == nil {
		return
	}
	d := mat.NewDense(batch, l.in, dx)
	d.Mul(dOut, mat.NewDense(l.in, l.out, l.w).T())
}

func relu(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

// reluGrad zeroes gradient entries whose activation was clamped
func reluGrad(d, act []float64) {
	for i, a := range act {
		if a <= 0 {
			d[i] = 0
		}
	}
}
