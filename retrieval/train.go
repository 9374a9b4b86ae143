// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/neutrinoxtronic/models/retrieval/globalfeature"
)

// Hyperparameters of the metric-learning pipeline, read from the context.
const (
	// ParamEpochs is the number of training epochs; negatives are re-mined
	// before every epoch.
	ParamEpochs = "epochs"

	// ParamImageSize is the training image resolution.
	ParamImageSize = "imsize"

	// ParamNumNegatives (nnum) is the number of hard negatives per query.
	ParamNumNegatives = "nnum"

	// ParamQuerySize (qsize) is the number of queries sampled per epoch.
	ParamQuerySize = "qsize"

	// ParamPoolSize (poolsize) is the size of the candidate pool negatives
	// are mined from.
	ParamPoolSize = "poolsize"

	// ParamContrastiveMargin is the margin of the contrastive loss.
	ParamContrastiveMargin = "contrastive_margin"

	// ParamSeed seeds the scoped random source used for tuple sampling,
	// making runs reproducible.
	ParamSeed = "seed"

	// ParamExtractionBatchSize is the batch size of descriptor extraction
	// during mining.
	ParamExtractionBatchSize = "extraction_batch_size"
)

// Backend is created once and reused if training is called multiple times.
var Backend backends.Backend

// TrainGlobalFeatureModel trains the global-feature embedding network with
// the contrastive loss over mined tuples, with hyperparameters given in ctx.
//
// Each epoch starts by re-mining hard negatives with the network's current
// weights (CreateEpochTuples), then runs one pass of the trainer over the
// epoch's tuples. The dataset is `<dataDir>/<name>.json` ground truth plus
// the image files it references.
func TrainGlobalFeatureModel(ctx *context.Context, name, dataDir, checkpointPath string, verbosity int) {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	seed := context.GetParamOr(ctx, ParamSeed, int(42))
	rng := rand.New(rand.NewSource(int64(seed)))
	ds := must.M1(NewTuplesDataset(
		name, dataDir, "train",
		context.GetParamOr(ctx, ParamImageSize, 362),
		context.GetParamOr(ctx, ParamNumNegatives, 5),
		context.GetParamOr(ctx, ParamQuerySize, 2000),
		context.GetParamOr(ctx, ParamPoolSize, 20000),
		rng))
	ds.WithExtractionBatchSize(context.GetParamOr(ctx, ParamExtractionBatchSize, DefaultExtractionBatchSize))

	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(context.GetParamOr(ctx, "num_checkpoints", 3)).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// The embedding network used for mining shares the context (and hence
	// the weights) with the trainer: every re-mining pass sees the weights
	// as trained so far.
	net := globalfeature.NewNet(Backend, ctx)

	margin := context.GetParamOr(ctx, ParamContrastiveMargin, DefaultContrastiveMargin)
	movingPosDist := metrics.NewExponentialMovingAverageMetric(
		"Moving Average Positive Distance", "~pdist", "distance",
		PositiveDistanceMetricGraph, nil, 0.01)
	trainer := train.NewTrainer(Backend, ctx.In("model"), globalfeature.ModelGraph,
		MakeContrastiveLoss(margin),
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingPosDist}, // trainMetrics
		nil)                                // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numEpochs := context.GetParamOr(ctx, ParamEpochs, 10)
	for epoch := 0; epoch < numEpochs; epoch++ {
		avgNegDist := must.M1(ds.CreateEpochTuples(net))
		if epoch == 0 && ctx.NumVariables() > 0 {
			// The mining pass (or a loaded checkpoint) already created the
			// model variables through the shared context; the trainer must
			// reuse them instead of recreating them.
			trainer.SetContext(ctx.In("model").Reuse())
		}
		klog.Infof("epoch %d/%d: %d tuples mined, average negative distance %.4f",
			epoch+1, numEpochs, ds.NumTuples(), avgNegDist)
		_ = must.M1(loop.RunEpochs(ds, 1))
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	}
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		fmt.Println()
		must.M(commandline.ReportEval(trainer, ds))
	}
}
