// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

// Global-feature retrieval trainer demo.
// It trains the embedding network with contrastive loss over tuples whose
// hard negatives are re-mined before every epoch.
package main

import (
	"flag"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/neutrinoxtronic/models/retrieval"
	"github.com/neutrinoxtronic/models/retrieval/globalfeature"
)

var (
	flagDataDir    = flag.String("data", "~/work/retrieval", "Directory with the dataset images and ground-truth file.")
	flagDataset    = flag.String("dataset", "landmarks", "Dataset name: the ground truth is read from <data>/<dataset>.json.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		retrieval.ParamEpochs:              10,
		retrieval.ParamImageSize:           362,
		retrieval.ParamNumNegatives:        5,
		retrieval.ParamQuerySize:           2000,
		retrieval.ParamPoolSize:            20000,
		retrieval.ParamContrastiveMargin:   retrieval.DefaultContrastiveMargin,
		retrieval.ParamSeed:                42,
		retrieval.ParamExtractionBatchSize: retrieval.DefaultExtractionBatchSize,
		"num_checkpoints":                  3,

		globalfeature.ParamEmbeddingDim: 128,
		globalfeature.ParamGemPower:     3.0,
		globalfeature.ParamWhitening:    true,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-4,
		regularizers.ParamL2:         1e-6,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))
	retrieval.TrainGlobalFeatureModel(ctx, *flagDataset, *flagDataDir, *flagCheckpoint, *flagVerbosity)
}
