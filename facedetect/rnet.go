// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

// Package facedetect implements the refinement stage of a cascaded face
// detector: a small CNN that takes 24x24 candidate windows and scores them
// as face / not-face, refining their bounding boxes and predicting facial
// landmark positions.
package facedetect

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

// DType of the window tensors fed to the refinement network.
var DType = dtypes.Float32

const (
	// InputSize is the height and width of the candidate windows.
	InputSize = 24

	// NumBBoxOffsets regressed per window: x1, y1, x2 and y2 corrections,
	// relative to the window size.
	NumBBoxOffsets = 4

	// NumLandmarkCoords regressed per window: (x, y) for each of the 5
	// facial landmarks, relative to the window size.
	NumLandmarkCoords = 10
)

// RefineNetGraph builds the refinement network graph over a batch of
// candidate windows shaped `[batch, InputSize, InputSize, 3]`. It returns
// three output nodes:
//
//   - face classification logits, shaped `[batch, 2]` (not-face, face);
//   - bounding box offsets, shaped `[batch, NumBBoxOffsets]`;
//   - landmark coordinates, shaped `[batch, NumLandmarkCoords]`.
//
// The classification output is raw logits, suitable for a softmax
// cross-entropy loss. Detector applies the softmax at inference.
func RefineNetGraph(ctx *context.Context, windows *graph.Node) []*graph.Node {
	batchSize := windows.Shape().Dimensions[0]
	x := windows
	x.AssertDims(batchSize, InputSize, InputSize, 3)

	x = layers.Convolution(ctx.In("conv1"), x).Filters(28).KernelSize(3).NoPadding().Done()
	x = activations.LeakyRelu(x)
	x.AssertDims(batchSize, 22, 22, 28)
	x = graph.MaxPool(x).Window(3).Strides(2).PadSame().Done()
	x.AssertDims(batchSize, 11, 11, 28)

	x = layers.Convolution(ctx.In("conv2"), x).Filters(48).KernelSize(3).NoPadding().Done()
	x = activations.LeakyRelu(x)
	x.AssertDims(batchSize, 9, 9, 48)
	x = graph.MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	x.AssertDims(batchSize, 4, 4, 48)

	x = layers.Convolution(ctx.In("conv3"), x).Filters(64).KernelSize(2).NoPadding().Done()
	x = activations.LeakyRelu(x)
	x.AssertDims(batchSize, 3, 3, 64)

	x = graph.Reshape(x, batchSize, -1)
	x = layers.DenseWithBias(ctx.In("fc1"), x, 128)
	x = activations.LeakyRelu(x)

	faceLogits := layers.DenseWithBias(ctx.In("face"), x, 2)
	bboxOffsets := layers.DenseWithBias(ctx.In("bbox"), x, NumBBoxOffsets)
	landmarks := layers.DenseWithBias(ctx.In("landmarks"), x, NumLandmarkCoords)
	return []*graph.Node{faceLogits, bboxOffsets, landmarks}
}
