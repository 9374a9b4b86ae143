// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

// Image classifier trainer demo.
// It trains an FNN or CNN classifier on any dataset laid out as one
// directory per class of images.
package main

import (
	"flag"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/neutrinoxtronic/models/classification"
)

var (
	flagImagesDir  = flag.String("images", "~/work/classification/images", "Directory with one subdirectory of images per class.")
	flagDataDir    = flag.String("data", "~/work/classification", "Directory to cache generated dataset files and checkpoints.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		classification.ParamModel:              "cnn",
		classification.ParamImageSize:          64,
		classification.ParamTrainSteps:         3000,
		classification.ParamSeed:               42,
		classification.ParamValidationFraction: 0.1,
		classification.ParamShards:             0,
		classification.ParamNormalization:      "none",
		classification.ParamDropoutRate:        0.3,
		"batch_size":                           64,
		"eval_batch_size":                      200,
		"num_checkpoints":                      3,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-4,
		activations.ParamActivation:  "relu",
		regularizers.ParamL2:         1e-5,

		fnn.ParamNumHiddenLayers: 4,
		fnn.ParamNumHiddenNodes:  128,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))
	classification.TrainClassifier(ctx, *flagImagesDir, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity)
}
