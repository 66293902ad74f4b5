// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements a linear regression model with a mean squared error loss.
//
// It is the reference model of the trainer: small enough to check numerically, and data-parallel, so replicas
// on different ranks stay identical.
package linear

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/gomlx/distrain/pkg/distributed/collective"
	"github.com/gomlx/distrain/pkg/ml/data"
	"github.com/gomlx/distrain/pkg/ml/params"
	"github.com/gomlx/distrain/pkg/train"
	"github.com/pkg/errors"
)

// Model computes y = x·w + b.
type Model struct {
	numFeatures int
	weights     *params.Parameter
	bias        *params.Parameter
	all         []*params.Parameter
	training    bool
}

var (
	_ train.Model        = (*Model)(nil)
	_ train.DataParallel = (*Model)(nil)
)

// New creates a model for numFeatures inputs. Weights are initialized with a Glorot-uniform draw from rng, the
// bias with zero.
func New(numFeatures int, rng *rand.Rand) (*Model, error) {
	if numFeatures <= 0 {
		return nil, errors.Errorf("linear model needs at least one feature, got %d", numFeatures)
	}
	limit := math.Sqrt(6.0 / float64(numFeatures+1))
	w := make([]float64, numFeatures)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * limit
	}
	m := &Model{
		numFeatures: numFeatures,
		weights:     params.New("weights", w),
		bias:        params.New("bias", []float64{0}),
		training:    true,
	}
	m.all = []*params.Parameter{m.weights, m.bias}
	return m, nil
}

// NumFeatures the model was created for.
func (m *Model) NumFeatures() int { return m.numFeatures }

// Weights returns the current weights, followed by the bias.
func (m *Model) Weights() []float64 {
	return params.Flatten(m.all, false)
}

// SetTraining implements train.Model. The model behaves the same in both modes.
func (m *Model) SetTraining(training bool) { m.training = training }

// Training returns whether the model is in training mode.
func (m *Model) Training() bool { return m.training }

// Parameters implements train.Model.
func (m *Model) Parameters() []*params.Parameter { return m.all }

// Predict returns the prediction for one example.
func (m *Model) Predict(x []float64) float64 {
	y := m.bias.Value[0]
	for i, v := range x {
		y += m.weights.Value[i] * v
	}
	return y
}

// Forward implements train.Model: it computes the mean squared error of the batch, using the data.FeaturesKey
// and data.TargetKey tensors.
func (m *Model) Forward(_ context.Context, batch data.Batch) (train.Loss, error) {
	x, y := batch[data.FeaturesKey], batch[data.TargetKey]
	if x == nil || y == nil {
		return nil, errors.Errorf("batch requires features %q and %q", data.FeaturesKey, data.TargetKey)
	}
	n := x.Rows()
	if len(x.Shape) != 2 || x.Shape[1] != m.numFeatures {
		return nil, errors.Errorf("features shaped %v, model expects [batch, %d]", x.Shape, m.numFeatures)
	}
	if y.Rows() != n || len(y.Values) != n {
		return nil, errors.Errorf("targets shaped %v don't match features shaped %v", y.Shape, x.Shape)
	}
	if n == 0 {
		return nil, errors.New("empty batch")
	}
	l := &mseLoss{model: m, x: x, residuals: make([]float64, n)}
	for i := range n {
		r := m.Predict(x.Row(i)) - y.Values[i]
		l.residuals[i] = r
		l.value += r * r
	}
	l.value /= float64(n)
	return l, nil
}

type mseLoss struct {
	model     *Model
	x         *data.Tensor
	residuals []float64
	value     float64
}

func (l *mseLoss) Value() float64 { return l.value }

// Backward accumulates scale * d(MSE)/d(params).
func (l *mseLoss) Backward(scale float64) error {
	m := l.model
	n := float64(len(l.residuals))
	for i, r := range l.residuals {
		g := scale * 2 * r / n
		for j, v := range l.x.Row(i) {
			m.weights.Grad[j] += g * v
		}
		m.bias.Grad[0] += g
	}
	return nil
}

// BroadcastParameters implements train.DataParallel.
func (m *Model) BroadcastParameters(ctx context.Context, ch collective.Channel) error {
	return train.BroadcastParameters(ctx, ch, m.all)
}

// AllReduceGradients implements train.DataParallel.
func (m *Model) AllReduceGradients(ctx context.Context, ch collective.Channel) error {
	return train.AverageGradients(ctx, ch, m.all)
}

// snapshotMagic starts every snapshot, followed by the number of features and the values, little endian.
const snapshotMagic = "distrain.linear.v1"

// Snapshot implements train.Model.
func (m *Model) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(m.numFeatures)); err != nil {
		return nil, errors.Wrap(err, "linear model snapshot")
	}
	if err := binary.Write(&buf, binary.LittleEndian, m.Weights()); err != nil {
		return nil, errors.Wrap(err, "linear model snapshot")
	}
	return buf.Bytes(), nil
}

// LoadSnapshot implements train.Model. The snapshot must be of a model with the same number of features.
func (m *Model) LoadSnapshot(blob []byte) error {
	rd := bytes.NewReader(blob)
	magic := make([]byte, len(snapshotMagic))
	if _, err := rd.Read(magic); err != nil || string(magic) != snapshotMagic {
		return errors.New("not a linear model snapshot")
	}
	var numFeatures uint32
	if err := binary.Read(rd, binary.LittleEndian, &numFeatures); err != nil {
		return errors.Wrap(err, "linear model snapshot")
	}
	if int(numFeatures) != m.numFeatures {
		return errors.Errorf("snapshot is of a model with %d features, this model has %d", numFeatures, m.numFeatures)
	}
	values := make([]float64, m.numFeatures+1)
	if err := binary.Read(rd, binary.LittleEndian, values); err != nil {
		return errors.Wrap(err, "linear model snapshot")
	}
	if rd.Len() != 0 {
		return errors.Errorf("linear model snapshot has %d trailing bytes", rd.Len())
	}
	return params.Unflatten(m.all, values, false)
}
