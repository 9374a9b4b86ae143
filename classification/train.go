// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

// Package classification trains image classifiers over datasets laid out as
// one directory per class (see the imagefolder package).
package classification

import (
	"fmt"
	"math/rand"
	"os"
	"path"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"

	"github.com/neutrinoxtronic/models/imagefolder"
)

// Hyperparameters of the classification pipeline, read from the context.
const (
	// ParamImageSize images are resized to when fed to the model.
	ParamImageSize = "imsize"

	// ParamTrainSteps is the total number of training steps to reach.
	ParamTrainSteps = "train_steps"

	// ParamSeed seeds the train/validation split and the example shuffling.
	ParamSeed = "seed"

	// ParamValidationFraction of the examples reserved for validation.
	ParamValidationFraction = "validation_fraction"

	// ParamShards, if > 0, pre-converts the dataset to that many gob shards
	// (cached in the data directory) and trains from memory. If 0, images
	// are decoded on demand during training.
	ParamShards = "shards"
)

// Backend is created once and reused if training is called multiple times.
var Backend backends.Backend

// TrainClassifier trains a classifier on the images under imagesDir (one
// subdirectory per class), with hyperparameters given in ctx. dataDir holds
// the cached shards and the checkpoints.
func TrainClassifier(ctx *context.Context, imagesDir, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int) {
	imagesDir = data.ReplaceTildeInDir(imagesDir)
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

	index := must.M1(imagefolder.Scan(imagesDir))
	ctx.SetParam(ParamNumClasses, len(index.Classes))
	if verbosity >= 1 {
		fmt.Printf("Dataset: %d examples, %d classes\n", index.NumExamples(), len(index.Classes))
	}

	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		exceptions.Panicf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, validationEvalDS := createDatasets(ctx, index, dataDir, batchSize, evalBatchSize, verbosity)

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

	modelFn := must.M1(SelectModelFn(ctx))

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	ctx = ctx.In("model")
	trainer := train.NewTrainer(Backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

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

	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, validationEvalDS, trainEvalDS))
	}
}

// createDatasets builds the training (shuffled, infinite) and evaluation
// (one-epoch) datasets from the scanned index, after the seeded
// train/validation split. With ParamShards > 0 the examples are served from
// gob shards cached under dataDir, converting them first if missing.
func createDatasets(ctx *context.Context, index *imagefolder.Index, dataDir string,
	batchSize, evalBatchSize, verbosity int) (trainDS, trainEvalDS, validationEvalDS train.Dataset) {
	imageSize := context.GetParamOr(ctx, ParamImageSize, 64)
	seed := context.GetParamOr(ctx, ParamSeed, int(42))
	rng := rand.New(rand.NewSource(int64(seed)))
	validationFraction := context.GetParamOr(ctx, ParamValidationFraction, 0.1)
	numValidation := int(validationFraction * float64(index.NumExamples()))
	trainIndex, validationIndex := must.M2(index.Split(rng, numValidation))

	numShards := context.GetParamOr(ctx, ParamShards, 0)
	if numShards <= 0 {
		trainDS = data.Parallel(imagefolder.NewDataset("train", trainIndex, imageSize, batchSize, rng))
		trainEvalDS = data.Parallel(imagefolder.NewEvalDataset("train-eval", trainIndex, imageSize, evalBatchSize))
		validationEvalDS = data.Parallel(imagefolder.NewEvalDataset("validation", validationIndex, imageSize, evalBatchSize))
		return
	}

	name := path.Base(index.Root)
	for split, splitIndex := range map[string]*imagefolder.Index{"train": trainIndex, "validation": validationIndex} {
		firstShard := path.Join(dataDir, imagefolder.ShardFileName(name, split, 0, numShards))
		if !data.FileExists(firstShard) {
			must.M(imagefolder.ConvertToShards(splitIndex, dataDir, name, split, imageSize, numShards, verbosity >= 1))
		}
	}
	memTrain := must.M1(imagefolder.LoadShards(Backend, dataDir, name, "train", numShards))
	memValidation := must.M1(imagefolder.LoadShards(Backend, dataDir, name, "validation", numShards))
	trainDS = memTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = memTrain.BatchSize(evalBatchSize, false)
	validationEvalDS = memValidation.BatchSize(evalBatchSize, false)
	return
}
