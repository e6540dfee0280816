package models

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/series"
)

// NeuralAdapter runs a single-layer LSTM with a dense output head.
//
// Inputs are the last InputWindow values, normalized with the artifact's
// scale and offset. A network with OutputHorizon == 1 is applied recursively,
// each prediction fed back as the newest input. Wider heads produce whole
// blocks that are appended and truncated to the requested horizon.
type NeuralAdapter struct {
	window  int
	outputs int
	hidden  int
	scale   float64
	offset  float64

	w      *mat.VecDense // 4H
	u      *mat.Dense    // 4H x H
	b      *mat.VecDense // 4H
	denseW *mat.Dense    // outputs x H
	denseB *mat.VecDense // outputs
}

// NewNeuralAdapter creates an adapter from a validated neural artifact.
func NewNeuralAdapter(a *artifacts.Artifact) *NeuralAdapter {
	p := a.Neural
	h := p.HiddenSize

	scale, offset := 1.0, 0.0
	if a.Normalization != nil {
		scale, offset = a.Normalization.Scale, a.Normalization.Offset
	}

	clone := func(v []float64) []float64 { return append([]float64(nil), v...) }

	return &NeuralAdapter{
		window:  a.InputWindow,
		outputs: a.OutputHorizon,
		hidden:  h,
		scale:   scale,
		offset:  offset,
		w:       mat.NewVecDense(4*h, clone(p.W)),
		u:       mat.NewDense(4*h, h, clone(p.U)),
		b:       mat.NewVecDense(4*h, clone(p.B)),
		denseW:  mat.NewDense(a.OutputHorizon, h, clone(p.DenseW)),
		denseB:  mat.NewVecDense(a.OutputHorizon, clone(p.DenseB)),
	}
}

func (n *NeuralAdapter) Name() string         { return artifacts.KindNeural.ShortName() }
func (n *NeuralAdapter) Kind() artifacts.Kind { return artifacts.KindNeural }
func (n *NeuralAdapter) MinHistory() int      { return n.window }

// Predict implements Predictor.
func (n *NeuralAdapter) Predict(ctx context.Context, history series.Historical, horizon int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkHistory(n.Name(), history, n.window, horizon); err != nil {
		return nil, err
	}

	values := history.Values()
	window := make([]float64, n.window)
	for i, v := range values[len(values)-n.window:] {
		window[i] = (v - n.offset) / n.scale
	}

	out := make([]float64, 0, horizon+n.outputs)
	for len(out) < horizon {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		block := n.forward(window)
		for _, y := range block {
			out = append(out, y*n.scale+n.offset)
		}

		if len(block) >= n.window {
			copy(window, block[len(block)-n.window:])
		} else {
			copy(window, window[len(block):])
			copy(window[n.window-len(block):], block)
		}
	}
	out = out[:horizon]

	if err := checkFinite(n.Name(), out); err != nil {
		return nil, err
	}
	return out, nil
}

// forward runs the recurrence over one normalized window and returns the
// normalized head output.
func (n *NeuralAdapter) forward(window []float64) []float64 {
	h := n.hidden
	state := mat.NewVecDense(h, nil)
	cell := make([]float64, h)
	z := mat.NewVecDense(4*h, nil)

	for _, x := range window {
		z.MulVec(n.u, state)
		z.AddScaledVec(z, x, n.w)
		z.AddVec(z, n.b)

		for j := 0; j < h; j++ {
			in := sigmoid(z.AtVec(j))
			forget := sigmoid(z.AtVec(h + j))
			cand := math.Tanh(z.AtVec(2*h + j))
			outGate := sigmoid(z.AtVec(3*h + j))

			cell[j] = forget*cell[j] + in*cand
			state.SetVec(j, outGate*math.Tanh(cell[j]))
		}
	}

	y := mat.NewVecDense(n.outputs, nil)
	y.MulVec(n.denseW, state)
	y.AddVec(y, n.denseB)
	return y.RawVector().Data
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
