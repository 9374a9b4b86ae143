// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package globalfeature

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestEmbeddingDim(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, 128, EmbeddingDim(ctx), "default: whitening to 128")

	ctx.SetParams(map[string]any{ParamEmbeddingDim: 64})
	assert.Equal(t, 64, EmbeddingDim(ctx))

	ctx.SetParams(map[string]any{ParamWhitening: false})
	assert.Equal(t, 256, EmbeddingDim(ctx), "without whitening, the backbone channels")
}

func TestGemPooling(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	featureMap := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 2, 2, 1)

	execP1 := graph.NewExec(backend, func(x *graph.Node) *graph.Node {
		return GemPooling(x, 1)
	})
	got := tensors.CopyFlatData[float32](execP1.Call(featureMap)[0])
	assert.InDelta(t, 2.5, got[0], 1e-5, "power 1 is average pooling")

	execP3 := graph.NewExec(backend, func(x *graph.Node) *graph.Node {
		return GemPooling(x, 3)
	})
	got = tensors.CopyFlatData[float32](execP3.Call(featureMap)[0])
	assert.InDelta(t, math.Cbrt(25), got[0], 1e-4, "power 3: ((1+8+27+64)/4)^(1/3)")
}

func TestModelGraphShapeAndNormalization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamEmbeddingDim: 32})

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return ModelGraph(ctx, nil, []*graph.Node{images})[0]
	})
	images := tensors.FromFlatDataAndDimensions(make([]float32, 2*16*16*3), 2, 16, 16, 3)
	descriptors := exec.Call(images)[0]
	require.Equal(t, []int{2, 32}, descriptors.Shape().Dimensions)

	// Descriptors are L2-normalized.
	flat := tensors.CopyFlatData[float32](descriptors)
	for row := 0; row < 2; row++ {
		var norm float64
		for _, v := range flat[row*32 : (row+1)*32] {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, norm, 1e-4, "row %d", row)
	}
}
