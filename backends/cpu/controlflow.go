// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file implements the control-flow operations, If and While, which execute subgraphs of the module
// through the backends.SubgraphExecutor. Their outputs are dynamic: they are sized after the subgraphs run.

type controlFlowKernel struct {
	kernel
	subgraphs     backends.SubgraphExecutor
	maxIterations int
}

func newControlFlowKernel(ctx *backends.BuildContext, node *ir.Node) (controlFlowKernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return controlFlowKernel{}, err
	}
	if ctx.Subgraphs == nil {
		return controlFlowKernel{}, errs.Errorf(errs.ErrStructural, "%s requires a subgraph executor", node)
	}
	return controlFlowKernel{kernel: k, subgraphs: ctx.Subgraphs, maxIterations: ctx.MaxWhileIterations}, nil
}

func (k *controlFlowKernel) Configure() error {
	for ii, input := range k.inputs {
		if input == nil {
			return errs.Errorf(errs.ErrMissingOperand, "%s input #%d is absent", k.node, ii)
		}
	}
	return nil
}

// setOutputs copies the subgraph results into the outputs of the node, sizing them first.
func (k *controlFlowKernel) setOutputs(results []*tensors.Tensor) error {
	if len(results) != len(k.outputs) {
		return errs.Errorf(errs.ErrArity, "%s has %d outputs, but its subgraph returned %d", k.node, len(k.outputs), len(results))
	}
	for ii, result := range results {
		output := k.outputs[ii]
		if result.DType() != output.DType() {
			return errs.Errorf(errs.ErrTypeMismatch, "%s output #%d is %s, but its subgraph returned %s",
				k.node, ii, output.DType(), result.DType())
		}
		if err := k.setOutputShape(ii, result.Shape()); err != nil {
			return err
		}
		if err := output.CopyFrom(result); err != nil {
			return errors.WithMessagef(err, "%s output #%d", k.node, ii)
		}
	}
	return nil
}

// isTrue returns whether the condition tensor holds a single non-zero value.
func isTrue(node *ir.Node, condition *tensors.Tensor) (bool, error) {
	if condition.Shape().Size() != 1 {
		return false, errs.Errorf(errs.ErrShapeMismatch, "%s condition must have a single element, got %s", node, condition.Shape())
	}
	return isNonZero(condition.Bytes()), nil
}

// ifKernel executes the then-subgraph if its first input is true, or the else-subgraph otherwise, on the
// remaining inputs.
type ifKernel struct {
	controlFlowKernel
	then, els int
}

func buildIf(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newControlFlowKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	p := params[ir.IfParams](node)
	return &ifKernel{controlFlowKernel: k, then: p.Then, els: p.Else}, nil
}

func (k *ifKernel) Configure() error {
	if len(k.inputs) == 0 {
		return errs.Errorf(errs.ErrArity, "%s requires a condition input", k.node)
	}
	return k.controlFlowKernel.Configure()
}

func (k *ifKernel) Execute() error {
	condition, err := isTrue(k.node, k.inputs[0])
	if err != nil {
		return err
	}
	branch := k.els
	if condition {
		branch = k.then
	}
	results, err := k.subgraphs.RunSubgraph(branch, k.inputs[1:])
	if err != nil {
		return errors.WithMessagef(err, "%s branch subgraph %d", k.node, branch)
	}
	return k.setOutputs(results)
}

// whileKernel runs the body subgraph on the loop state while the cond subgraph returns true.
// The state starts as the inputs of the node, and the final state is copied to its outputs.
type whileKernel struct {
	controlFlowKernel
	cond, body int
}

func buildWhile(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newControlFlowKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	p := params[ir.WhileParams](node)
	return &whileKernel{controlFlowKernel: k, cond: p.Cond, body: p.Body}, nil
}

func (k *whileKernel) Configure() error {
	if len(k.inputs) != len(k.outputs) {
		return errs.Errorf(errs.ErrArity, "%s has %d inputs but %d outputs", k.node, len(k.inputs), len(k.outputs))
	}
	return k.controlFlowKernel.Configure()
}

func (k *whileKernel) Execute() error {
	state := k.inputs
	for iteration := 0; ; iteration++ {
		results, err := k.subgraphs.RunSubgraph(k.cond, state)
		if err != nil {
			return errors.WithMessagef(err, "%s cond subgraph %d", k.node, k.cond)
		}
		if len(results) != 1 {
			return errs.Errorf(errs.ErrArity, "%s cond subgraph must return one value, got %d", k.node, len(results))
		}
		condition, err := isTrue(k.node, results[0])
		if err != nil {
			return err
		}
		if !condition {
			klog.V(2).Infof("%s: loop finished after %d iterations", k.node, iteration)
			break
		}
		if k.maxIterations > 0 && iteration >= k.maxIterations {
			return errs.Errorf(errs.ErrIterationLimit, "%s exceeded %d iterations", k.node, k.maxIterations)
		}
		state, err = k.subgraphs.RunSubgraph(k.body, state)
		if err != nil {
			return errors.WithMessagef(err, "%s body subgraph %d", k.node, k.body)
		}
	}
	return k.setOutputs(state)
}
