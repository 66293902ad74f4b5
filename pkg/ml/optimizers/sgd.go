// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/distrain/pkg/ml/params"
)

// SGD is stochastic gradient descent with optional momentum and L2 weight decay.
type SGD struct {
	params   []*params.Parameter
	lr       float64
	decay    float64
	momentum float64
	velocity [][]float64
	step     int64
}

// NewSGD creates an SGD optimizer. It implements Factory.
func NewSGD(ps []*params.Parameter, cfg Config) (Interface, error) {
	return &SGD{
		params:   ps,
		lr:       cfg.LearningRate,
		decay:    cfg.WeightDecay,
		momentum: cfg.Momentum,
		velocity: zeros(ps),
	}, nil
}

func (o *SGD) Kind() string               { return "sgd" }
func (o *SGD) LearningRate() float64      { return o.lr }
func (o *SGD) SetLearningRate(lr float64) { o.lr = lr }
func (o *SGD) ZeroGrad()                  { params.ZeroGrad(o.params) }

// Step implements Interface.
func (o *SGD) Step() error {
	for i, p := range o.params {
		v := o.velocity[i]
		for j, g := range p.Grad {
			g += o.decay * p.Value[j]
			if o.momentum != 0 {
				v[j] = o.momentum*v[j] + g
				g = v[j]
			}
			p.Value[j] -= o.lr * g
		}
	}
	o.step++
	return nil
}

// Snapshot implements Interface.
func (o *SGD) Snapshot() ([]byte, error) {
	return encodeSnapshot(snapshot{Kind: o.Kind(), Step: o.step, LearningRate: o.lr, Slots: o.velocity})
}

// LoadSnapshot implements Interface.
func (o *SGD) LoadSnapshot(blob []byte) error {
	s, err := decodeSnapshot(blob, o.Kind(), o.velocity)
	if err != nil {
		return err
	}
	copySlots(o.velocity, s.Slots)
	o.step, o.lr = s.Step, s.LearningRate
	return nil
}
