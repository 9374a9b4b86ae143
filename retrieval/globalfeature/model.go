// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

// Package globalfeature implements a global-feature embedding network for
// image retrieval: a convolutional backbone followed by generalized-mean
// (GeM) pooling, an optional learned whitening projection and L2
// normalization, producing one fixed-dimension descriptor per image.
//
// The same graph is used for training (fed to train.Trainer with the
// retrieval contrastive loss) and, through Net, for inference as the
// retrieval.Embedder that drives hard-negative mining.
package globalfeature

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Hyperparameters read from the context. They can be set with
// context.Context.SetParams or through -set on the demo command lines.
const (
	// ParamEmbeddingDim is the descriptor dimension produced by the
	// whitening projection. Ignored when ParamWhitening is false.
	ParamEmbeddingDim = "embedding_dim"

	// ParamGemPower is the power of the generalized-mean pooling.
	// 1 recovers average pooling; larger values approach max pooling.
	ParamGemPower = "gem_power"

	// ParamWhitening enables the learned projection after pooling.
	ParamWhitening = "whitening"
)

// backboneFilters of the convolutional trunk, one entry per
// conv+pool stage. The last entry is the channel dimension GeM pools over.
var backboneFilters = []int{32, 64, 128, 256}

// EmbeddingDim returns the descriptor dimension the model produces under the
// context's hyperparameters.
func EmbeddingDim(ctx *context.Context) int {
	if context.GetParamOr(ctx, ParamWhitening, true) {
		return context.GetParamOr(ctx, ParamEmbeddingDim, 128)
	}
	return backboneFilters[len(backboneFilters)-1]
}

// ModelGraph builds the embedding network. It implements train.ModelFn: it
// takes the batched images in inputs[0], shaped `[batch, size, size, 3]`,
// and returns one output, the L2-normalized descriptors shaped
// `[batch, EmbeddingDim(ctx)]`.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	x := inputs[0]
	x.AssertRank(4)

	for i, filters := range backboneFilters {
		ctx := ctx.Inf("conv_block_%d", i)
		x = layers.Convolution(ctx, x).Filters(filters).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		x = MaxPool(x).Window(2).Strides(2).PadSame().Done()
	}

	power := context.GetParamOr(ctx, ParamGemPower, 3.0)
	x = GemPooling(x, power)

	if context.GetParamOr(ctx, ParamWhitening, true) {
		dim := context.GetParamOr(ctx, ParamEmbeddingDim, 128)
		x = layers.DenseWithBias(ctx.In("whitening"), x, dim)
	}
	return []*Node{L2Normalize(x, -1)}
}

// GemPooling applies generalized-mean pooling over the spatial axes of a
// `[batch, height, width, channels]` feature map:
//
//	gem(x) = (mean(x^p))^(1/p)
//
// Activations are clamped to a small positive epsilon first, as the
// fractional power is only defined for positive values.
func GemPooling(x *Node, power float64) *Node {
	x.AssertRank(4)
	g := x.Graph()
	dtype := x.DType()
	x = MaxScalar(x, 1e-6)
	x = Pow(x, Scalar(g, dtype, power))
	x = ReduceMean(x, 1, 2)
	return Pow(x, Scalar(g, dtype, 1.0/power))
}
