// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package classification

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/pkg/errors"
)

// Hyperparameters of the model graphs, read from the context.
const (
	// ParamModel selects the model graph, one of ValidModels.
	ParamModel = "model"

	// ParamNumClasses is the number of output classes. TrainClassifier sets
	// it from the scanned dataset.
	ParamNumClasses = "num_classes"

	// ParamNormalization selects the normalization of the CNN model:
	// "none", "layer" or "batch".
	ParamNormalization = "normalization"

	// ParamDropoutRate of the CNN model. 0 disables dropout.
	ParamDropoutRate = "dropout_rate"
)

// ValidModels is the list of model types supported.
var ValidModels = []string{"fnn", "cnn"}

// SelectModelFn returns the model graph function selected by the
// hyperparameter ParamModel.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	switch modelType {
	case "fnn":
		return FlatModelGraph, nil
	case "cnn":
		return ConvolutionModelGraph, nil
	}
	return nil, errors.Errorf("parameter %q must take one value from %v, got %q",
		ParamModel, ValidModels, modelType)
}

// FlatModelGraph implements train.ModelFn and returns the logits Node, given
// the batched input images. The flattened pixels feed a feedforward network
// configured by the fnn hyperparameters of the context.
func FlatModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	batchedImages := inputs[0]
	batchSize := batchedImages.Shape().Dimensions[0]
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	logits := graph.Reshape(batchedImages, batchSize, -1)
	logits = fnn.New(ctx, logits, numClasses).Done()
	logits.AssertDims(batchSize, numClasses)
	return []*graph.Node{logits}
}

func normalize(ctx *context.Context, logits *graph.Node) *graph.Node {
	normalizationType := context.GetParamOr(ctx, ParamNormalization, "none")
	switch normalizationType {
	case "layer":
		if logits.Rank() == 4 {
			return layers.LayerNormalization(ctx, logits, 2, 3).Done()
		}
		return layers.LayerNormalization(ctx, logits, -1).Done()
	case "batch":
		return batchnorm.New(ctx, logits, -1).Done()
	case "none", "":
		return logits
	}
	exceptions.Panicf("invalid normalization type %q -- set it with parameter %q",
		normalizationType, ParamNormalization)
	panic(nil)
}

func dropout(ctx *context.Context, logits *graph.Node) *graph.Node {
	rate := context.GetParamOr(ctx, ParamDropoutRate, 0.0)
	if rate <= 0 {
		return logits
	}
	return layers.DropoutStatic(ctx, logits, rate)
}

// ConvolutionModelGraph implements train.ModelFn and returns the logits Node,
// given the batched input images. Three convolution blocks (each two 3x3
// convolutions plus a 2x2 max-pooling) are followed by a dense head, so the
// image size must be divisible by 8.
func ConvolutionModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	batchedImages := inputs[0]
	batchSize := batchedImages.Shape().Dimensions[0]
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	logits := batchedImages

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	for _, filters := range []int{32, 64, 128} {
		logits = layers.Convolution(nextCtx("conv"), logits).Filters(filters).KernelSize(3).PadSame().Done()
		logits = activations.Relu(logits)
		logits = normalize(nextCtx("norm"), logits)
		logits = layers.Convolution(nextCtx("conv"), logits).Filters(filters).KernelSize(3).PadSame().Done()
		logits = activations.Relu(logits)
		logits = normalize(nextCtx("norm"), logits)
		logits = graph.MaxPool(logits).Window(2).Done()
		logits = dropout(nextCtx("dropout"), logits)
	}

	logits = graph.Reshape(logits, batchSize, -1)
	logits = layers.DenseWithBias(nextCtx("dense"), logits, 128)
	logits = activations.Relu(logits)
	logits = normalize(nextCtx("norm"), logits)
	logits = dropout(nextCtx("dropout"), logits)
	logits = layers.DenseWithBias(nextCtx("dense"), logits, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return []*graph.Node{logits}
}
