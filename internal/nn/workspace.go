package nn

// workspace holds the transient buffers of one Predict or Fit call. They are
// taken from the network's pool on entry and always handed back on exit, so
// steady-state training allocates nothing per call beyond the results.
type workspace struct {
	batch int

	x      []float64
	cols   [][]float64
	acts   [][]float64
	hidden []float64
	output []float64

	dActs   [][]float64
	dCols   [][]float64
	dHidden []float64
	dOutput []float64
}

func (n *Network) acquire(batch int) *workspace {
	ws, _ := n.pool.Get().(*workspace)
	if ws == nil {
		ws = &workspace{
			cols:  make([][]float64, len(n.convs)),
			acts:  make([][]float64, len(n.convs)),
			dActs: make([][]float64, len(n.convs)),
			dCols: make([][]float64, len(n.convs)),
		}
	}
	if ws.batch != batch {
		ws.resize(n, batch)
	}
	return ws
}

func (n *Network) release(ws *workspace) {
	n.pool.Put(ws)
}

func (ws *workspace) resize(n *Network, batch int) {
	ws.batch = batch
	ws.x = grow(ws.x, batch*n.arch.InputDim())
	for i, l := range n.convs {
		colSize := batch * l.positions() * l.kdim
		ws.cols[i] = grow(ws.cols[i], colSize)
		ws.acts[i] = grow(ws.acts[i], batch*l.out.Size())
		ws.dActs[i] = grow(ws.dActs[i], batch*l.out.Size())
		if i > 0 {
			ws.dCols[i] = grow(ws.dCols[i], colSize)
		}
	}
	ws.hidden = grow(ws.hidden, batch*n.arch.Hidden)
	ws.dHidden = grow(ws.dHidden, batch*n.arch.Hidden)
	ws.output = grow(ws.output, batch*n.arch.Outputs)
	ws.dOutput = grow(ws.dOutput, batch*n.arch.Outputs)
}

// grow returns a slice of length size, reusing buf when it is large enough
func grow(buf []float64, size int) []float64 {
	if cap(buf) < size {
		return make([]float64, size)
	}
	return buf[:size]
}
