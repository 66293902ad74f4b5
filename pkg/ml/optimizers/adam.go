// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/distrain/pkg/ml/params"
)

const (
	// AdamDefaultBeta1 and AdamDefaultBeta2 are the exponential decays of the 1st and 2nd order moments.
	AdamDefaultBeta1 = 0.9
	AdamDefaultBeta2 = 0.999

	// AdamDefaultEpsilon is added to the denominator for numerical stability.
	AdamDefaultEpsilon = 1e-8
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// With a weight decay it works as AdamW ([Loshchilov et al., 2017](https://arxiv.org/abs/1711.05101)): the decay is
// applied directly to the parameters, decoupled from the moments.
type Adam struct {
	kind         string
	params       []*params.Parameter
	lr           float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64

	// moments holds the 1st order moments followed by the 2nd order ones, one vector per parameter each.
	moments [][]float64
	step    int64
}

// NewAdam creates an Adam optimizer without weight decay. It implements Factory.
func NewAdam(ps []*params.Parameter, cfg Config) (Interface, error) {
	return newAdam("adam", ps, cfg.LearningRate, 0), nil
}

// NewAdamW creates an Adam optimizer with decoupled weight decay cfg.WeightDecay. It implements Factory.
func NewAdamW(ps []*params.Parameter, cfg Config) (Interface, error) {
	return newAdam("adamw", ps, cfg.LearningRate, cfg.WeightDecay), nil
}

func newAdam(kind string, ps []*params.Parameter, lr, weightDecay float64) *Adam {
	return &Adam{
		kind:        kind,
		params:      ps,
		lr:          lr,
		beta1:       AdamDefaultBeta1,
		beta2:       AdamDefaultBeta2,
		epsilon:     AdamDefaultEpsilon,
		weightDecay: weightDecay,
		moments:     append(zeros(ps), zeros(ps)...),
	}
}

func (o *Adam) Kind() string               { return o.kind }
func (o *Adam) LearningRate() float64      { return o.lr }
func (o *Adam) SetLearningRate(lr float64) { o.lr = lr }
func (o *Adam) ZeroGrad()                  { params.ZeroGrad(o.params) }

// Step implements Interface.
func (o *Adam) Step() error {
	o.step++
	t := float64(o.step)
	debias1 := 1 - math.Pow(o.beta1, t)
	debias2 := 1 - math.Pow(o.beta2, t)
	numParams := len(o.params)
	for i, p := range o.params {
		m, v := o.moments[i], o.moments[numParams+i]
		for j, g := range p.Grad {
			if o.weightDecay > 0 {
				p.Value[j] *= 1 - o.lr*o.weightDecay
			}
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			mHat := m[j] / debias1
			vHat := v[j] / debias2
			p.Value[j] -= o.lr * mHat / (math.Sqrt(vHat) + o.epsilon)
		}
	}
	return nil
}

// Snapshot implements Interface.
func (o *Adam) Snapshot() ([]byte, error) {
	return encodeSnapshot(snapshot{Kind: o.kind, Step: o.step, LearningRate: o.lr, Slots: o.moments})
}

// LoadSnapshot implements Interface.
func (o *Adam) LoadSnapshot(blob []byte) error {
	s, err := decodeSnapshot(blob, o.kind, o.moments)
	if err != nil {
		return err
	}
	copySlots(o.moments, s.Slots)
	o.step, o.lr = s.Step, s.LearningRate
	return nil
}
