package nn

import (
	"errors"
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/exp/rand"
)

func smallArch() Arch {
	return Arch{
		Height:   5,
		Width:    5,
		Channels: 2,
		Conv: []ConvSpec{
			{Filters: 3, Kernel: 3, Stride: 1},
			{Filters: 2, Kernel: 2, Stride: 1},
		},
		Hidden:  4,
		Outputs: 4,
	}
}

func randomBatch(rng *rand.Rand, batch, dim int) [][]float64 {
	out := make([][]float64, batch)
	for i := range out {
		out[i] = make([]float64, dim)
		for j := range out[i] {
			out[i][j] = rng.Float64()*2 - 1
		}
	}
	return out
}

func TestArch(t *testing.T) {
	Convey("Given the default snake layout on a 20x20 board", t, func() {
		a := Arch{
			Height: 20, Width: 20, Channels: 1,
			Conv: []ConvSpec{
				{Filters: 32, Kernel: 3, Stride: 2},
				{Filters: 64, Kernel: 3, Stride: 2},
				{Filters: 64, Kernel: 3, Stride: 1},
			},
			Hidden:  512,
			Outputs: 4,
		}

		Convey("The stages downsample to 9, 4 and 2", func() {
			shapes, err := a.Shapes()
			So(err, ShouldBeNil)
			So(shapes, ShouldResemble, []Shape{{9, 9, 32}, {4, 4, 64}, {2, 2, 64}})
			feat, _ := a.FeatureDim()
			So(feat, ShouldEqual, 256)
		})

		Convey("The parameter count adds up", func() {
			size, err := a.NumParams()
			So(err, ShouldBeNil)
			want := (9*1+1)*32 + (9*32+1)*64 + (9*64+1)*64 + (256+1)*512 + (512+1)*4
			So(size, ShouldEqual, want)
		})
	})

	Convey("A kernel larger than its input is a shape error", t, func() {
		a := Arch{Height: 4, Width: 4, Channels: 1, Conv: []ConvSpec{
			{Filters: 2, Kernel: 3, Stride: 2},
			{Filters: 2, Kernel: 3, Stride: 1},
		}, Hidden: 2, Outputs: 4}
		So(errors.Is(a.Validate(), ErrShape), ShouldBeTrue)
		_, err := New(a, 0.01, nil)
		So(errors.Is(err, ErrShape), ShouldBeTrue)
	})
}

func TestGradient(t *testing.T) {
	Convey("Given a small network and a batch", t, func() {
		rng := rand.New(rand.NewSource(17))
		n, err := New(smallArch(), 0.01, rng)
		So(err, ShouldBeNil)
		inputs := randomBatch(rng, 3, n.Arch().InputDim())
		targets := randomBatch(rng, 3, 4)

		Convey("Backprop matches central finite differences", func() {
			_, err := n.lossAndGrad(inputs, targets)
			So(err, ShouldBeNil)
			analytic := CloneParams(n.grads)

			const h = 1e-6
			for i := range n.params {
				orig := n.params[i]
				n.params[i] = orig + h
				up, _ := n.lossAndGrad(inputs, targets)
				n.params[i] = orig - h
				down, _ := n.lossAndGrad(inputs, targets)
				n.params[i] = orig

				numeric := (up - down) / (2 * h)
				So(math.Abs(analytic[i]-numeric), ShouldBeLessThan, 1e-5+1e-3*math.Abs(numeric))
			}
		})
	})
}

func TestPredictAndFit(t *testing.T) {
	Convey("Given a small network", t, func() {
		rng := rand.New(rand.NewSource(5))
		n, err := New(smallArch(), 0.01, rng)
		So(err, ShouldBeNil)
		inputs := randomBatch(rng, 8, n.Arch().InputDim())

		Convey("Predict is pure", func() {
			before := n.Params()
			a, err := n.Predict(inputs)
			So(err, ShouldBeNil)
			b, _ := n.Predict(inputs)
			So(a, ShouldResemble, b)
			So(n.Params(), ShouldResemble, before)
			So(len(a), ShouldEqual, 8)
			So(len(a[0]), ShouldEqual, 4)
		})

		Convey("Batched and single predictions agree", func() {
			batch, _ := n.Predict(inputs)
			for i, in := range inputs {
				single, _ := n.Predict([][]float64{in})
				for j := range single[0] {
					So(single[0][j], ShouldAlmostEqual, batch[i][j], 1e-12)
				}
			}
		})

		Convey("Repeated fits drive the loss down", func() {
			targets := make([][]float64, len(inputs))
			for i := range targets {
				targets[i] = []float64{2, -1, 0.5, 3}
			}
			first, err := n.Fit(inputs, targets)
			So(err, ShouldBeNil)
			So(first, ShouldBeGreaterThan, 0)
			var last float64
			for i := 0; i < 300; i++ {
				last, _ = n.Fit(inputs, targets)
			}
			So(last, ShouldBeLessThan, first/10)
		})

		Convey("Fit reports the loss before its update", func() {
			targets := randomBatch(rng, 8, 4)
			pred, _ := n.Predict(inputs)
			var want float64
			for i := range pred {
				for j := range pred[i] {
					d := pred[i][j] - targets[i][j]
					want += d * d
				}
			}
			want /= 32
			loss, _ := n.Fit(inputs, targets)
			So(loss, ShouldAlmostEqual, want, 1e-12)
		})

		Convey("Targets equal to the prediction give zero loss and no movement", func() {
			pred, _ := n.Predict(inputs)
			before := n.Params()
			loss, err := n.Fit(inputs, pred)
			So(err, ShouldBeNil)
			So(loss, ShouldEqual, 0)
			So(n.Params(), ShouldResemble, before)
		})

		Convey("Malformed batches are shape errors", func() {
			_, err := n.Predict(nil)
			So(errors.Is(err, ErrShape), ShouldBeTrue)
			_, err = n.Predict([][]float64{{1, 2, 3}})
			So(errors.Is(err, ErrShape), ShouldBeTrue)
			_, err = n.Fit(inputs, inputs[:2])
			So(errors.Is(err, ErrShape), ShouldBeTrue)
			_, err = n.Fit(inputs[:1], [][]float64{{1, 2}})
			So(errors.Is(err, ErrShape), ShouldBeTrue)
		})
	})
}

func TestParams(t *testing.T) {
	Convey("Given two networks of the same layout", t, func() {
		a, _ := New(smallArch(), 0.01, rand.New(rand.NewSource(1)))
		b, _ := New(smallArch(), 0.01, rand.New(rand.NewSource(2)))
		So(a.Params(), ShouldNotResemble, b.Params())

		Convey("SetParams copies without aliasing", func() {
			p := a.Params()
			So(b.SetParams(p), ShouldBeNil)
			So(b.Params(), ShouldResemble, a.Params())
			p[0] += 1
			So(b.Params()[0], ShouldNotEqual, p[0])

			rng := rand.New(rand.NewSource(3))
			inputs := randomBatch(rng, 4, a.Arch().InputDim())
			a.Fit(inputs, randomBatch(rng, 4, 4))
			So(b.Params(), ShouldNotResemble, a.Params())
		})

		Convey("A wrong length is rejected", func() {
			So(errors.Is(b.SetParams([]float64{1}), ErrShape), ShouldBeTrue)
		})

		Convey("Clone predicts identically and trains independently", func() {
			c := a.Clone()
			inputs := randomBatch(rand.New(rand.NewSource(4)), 2, a.Arch().InputDim())
			pa, _ := a.Predict(inputs)
			pc, _ := c.Predict(inputs)
			So(pc, ShouldResemble, pa)
			c.Fit(inputs, [][]float64{{1, 1, 1, 1}, {0, 0, 0, 0}})
			So(c.Params(), ShouldNotResemble, a.Params())
		})
	})
}

func TestActivations(t *testing.T) {
	Convey("Activations exposes every conv stage", t, func() {
		n, _ := New(smallArch(), 0.01, rand.New(rand.NewSource(8)))
		in := randomBatch(rand.New(rand.NewSource(9)), 1, n.Arch().InputDim())[0]
		maps, err := n.Activations(in)
		So(err, ShouldBeNil)
		So(len(maps), ShouldEqual, 2)
		So(maps[0].Shape, ShouldResemble, Shape{3, 3, 3})
		So(maps[1].Shape, ShouldResemble, Shape{2, 2, 2})
		So(len(maps[1].Data), ShouldEqual, 8)
		for _, m := range maps {
			for _, v := range m.Data {
				So(v, ShouldBeGreaterThanOrEqualTo, 0)
			}
		}

		_, err = n.Activations([]float64{1})
		So(errors.Is(err, ErrShape), ShouldBeTrue)
	})
}

func TestArgmax(t *testing.T) {
	Convey("Argmax prefers the first of equal maxima", t, func() {
		So(Argmax([]float64{1, 3, 3, 2}), ShouldEqual, 1)
		So(Argmax([]float64{0, 0, 0, 0}), ShouldEqual, 0)
		So(Argmax([]float64{-5, -1, -2, -1}), ShouldEqual, 1)
	})
}
