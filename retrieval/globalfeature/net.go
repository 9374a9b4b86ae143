// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package globalfeature

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Net is the inference view of the embedding network: the model graph
// compiled once, reading its weights from a context.
//
// It implements retrieval.Embedder. Because the executor reads variable
// values at call time, a Net built over a training context always embeds
// with the current weights -- re-mining after a training epoch automatically
// uses the updated network, and never mutates it.
type Net struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec
	dim     int
}

// NewNet compiles the embedding network over the given context. The context
// carries both the hyperparameters (see ParamEmbeddingDim and friends) and,
// if previously trained or loaded from a checkpoint, the weights; variables
// missing from the context are created with their initializers on first use.
func NewNet(backend backends.Backend, ctx *context.Context) *Net {
	n := &Net{
		backend: backend,
		ctx:     ctx,
		dim:     EmbeddingDim(ctx),
	}
	n.exec = context.NewExec(backend, ctx.In("model"), func(ctx *context.Context, images *graph.Node) *graph.Node {
		return ModelGraph(ctx, nil, []*graph.Node{images})[0]
	})
	return n
}

// Load creates a Net with the hyperparameters and pretrained weights of a
// checkpoint directory.
func Load(backend backends.Backend, checkpointDir string) (*Net, error) {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load embedding network from %q", checkpointDir)
	}
	return NewNet(backend, ctx.Reuse()), nil
}

// Embed implements retrieval.Embedder: it maps an images tensor shaped
// `[batch, size, size, 3]` to descriptors shaped `[batch, OutputDim()]`.
func (n *Net) Embed(images *tensors.Tensor) (*tensors.Tensor, error) {
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = n.exec.Call(images) })
	if err != nil {
		return nil, errors.WithMessage(err, "embedding network execution failed")
	}
	return outputs[0], nil
}

// OutputDim implements retrieval.Embedder.
func (n *Net) OutputDim() int { return n.dim }
