// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package facedetect

import (
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestRefineNetGraphOutputShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		return RefineNetGraph(ctx, inputs[0])
	})

	windows := tensors.FromFlatDataAndDimensions(make([]float32, 2*InputSize*InputSize*3), 2, InputSize, InputSize, 3)
	outputs := exec.Call(windows)
	require.Len(t, outputs, 3)
	assert.Equal(t, []int{2, 2}, outputs[0].Shape().Dimensions, "face logits")
	assert.Equal(t, []int{2, NumBBoxOffsets}, outputs[1].Shape().Dimensions, "bbox offsets")
	assert.Equal(t, []int{2, NumLandmarkCoords}, outputs[2].Shape().Dimensions, "landmarks")
}

func TestNewDetectorDefaultsBatchSize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	detector := NewDetector(backend, context.New(), 0)
	assert.Equal(t, DefaultDetectionBatchSize, detector.batchSize)
}

func TestDetectorSoftmaxProbabilities(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	detector := NewDetector(backend, context.New(), 2)

	outputs, err := detector.runBatch(
		tensors.FromFlatDataAndDimensions(make([]float32, 2*InputSize*InputSize*3), 2, InputSize, InputSize, 3))
	require.NoError(t, err)
	require.Len(t, outputs, 3)

	// The face head output is a probability distribution after softmax.
	probs := tensors.CopyFlatData[float32](outputs[0])
	for row := 0; row < 2; row++ {
		sum := probs[row*2] + probs[row*2+1]
		assert.InDelta(t, 1.0, sum, 1e-5, "row %d", row)
		assert.GreaterOrEqual(t, probs[row*2], float32(0))
		assert.GreaterOrEqual(t, probs[row*2+1], float32(0))
	}
}
