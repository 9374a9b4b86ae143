// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	timages "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DType of the image tensors yielded by Dataset.
var DType = dtypes.Float32

// Assert Dataset implements train.Dataset.
var _ train.Dataset = (*Dataset)(nil)

// Dataset implements train.Dataset over an Index, reading and resizing the
// image files on demand. Use NewDataset for training (shuffled, infinite)
// and NewEvalDataset for evaluation (in order, one epoch).
type Dataset struct {
	name      string
	index     *Index
	imageSize int
	batchSize int

	// shuffle, if not nil, makes the dataset loop forever, reshuffling the
	// example order at the end of every pass.
	shuffle *rand.Rand

	mu    sync.Mutex
	order []int
	next  int
}

// NewDataset creates an infinite training dataset over the index: examples
// are yielded in batches of batchSize, reshuffled with rng after every full
// pass, and Yield never returns io.EOF. Use it with train.Loop.RunSteps.
func NewDataset(name string, index *Index, imageSize, batchSize int, rng *rand.Rand) *Dataset {
	ds := newDataset(name, index, imageSize, batchSize)
	ds.shuffle = rng
	ds.reshuffle()
	return ds
}

// NewEvalDataset creates a single-epoch dataset over the index: examples are
// yielded in index order and Yield returns io.EOF after the last complete
// batch. Use it with train.Loop.RunEpochs or trainer.Eval.
func NewEvalDataset(name string, index *Index, imageSize, batchSize int) *Dataset {
	return newDataset(name, index, imageSize, batchSize)
}

func newDataset(name string, index *Index, imageSize, batchSize int) *Dataset {
	order := make([]int, len(index.Examples))
	for i := range order {
		order[i] = i
	}
	return &Dataset{
		name:      name,
		index:     index,
		imageSize: imageSize,
		batchSize: batchSize,
		order:     order,
	}
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset, restarting the dataset for a new epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.reshuffle()
}

// reshuffle must be called with ds.mu held (or before the dataset is shared).
func (ds *Dataset) reshuffle() {
	if ds.shuffle == nil {
		return
	}
	ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Yield implements train.Dataset. It returns one batch of images shaped
// `[batchSize, imageSize, imageSize, 3]` and labels shaped `[batchSize, 1]`.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	examples, err := ds.nextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	batch := make([]image.Image, 0, len(examples))
	labelValues := make([]int32, 0, len(examples))
	for _, example := range examples {
		img, err := loadImage(ds.index.Root, example.Path, ds.imageSize)
		if err != nil {
			return nil, nil, nil, err
		}
		batch = append(batch, img)
		labelValues = append(labelValues, example.Label)
	}
	inputs = []*tensors.Tensor{timages.ToTensor(DType).Batch(batch)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelValues, len(labelValues), 1)}
	return ds, inputs, labels, nil
}

// nextBatch reserves the indices of the next batch under the lock, so
// concurrent Yield calls (e.g. under data.Parallel) never overlap.
func (ds *Dataset) nextBatch() ([]Example, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next+ds.batchSize > len(ds.order) {
		if ds.shuffle == nil {
			return nil, io.EOF
		}
		ds.next = 0
		ds.reshuffle()
	}
	examples := make([]Example, ds.batchSize)
	for i := range examples {
		examples[i] = ds.index.Examples[ds.order[ds.next+i]]
	}
	ds.next += ds.batchSize
	return examples, nil
}

// loadImage loads one example image and resizes it (with a center crop when
// the aspect ratio differs) to size x size.
func loadImage(root, relPath string, size int) (image.Image, error) {
	filePath := path.Join(root, relPath)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", filePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", filePath)
	}
	return imaging.Fill(img, size, size, imaging.Center, imaging.Linear), nil
}
