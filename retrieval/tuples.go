// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

// Package retrieval provides the tuples dataset used to train image-retrieval
// models by metric learning: for every epoch it selects
// (query, positive, negatives) image tuples, mining the negatives that are
// hardest for the current embedding network while requiring them to come from
// clusters different from the query's cluster.
//
// The dataset implements gomlx's train.Dataset and can be fed directly to a
// train.Trainer; see TrainGlobalFeatureModel for the full pipeline.
package retrieval

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	timages "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DType of the image and label tensors yielded by the dataset.
var DType = dtypes.Float32

// TuplesDataset yields (query, positive, negatives...) training tuples for
// metric learning.
//
// The negatives of an epoch are selected by CreateEpochTuples, which must be
// called before the first Yield and may be called again -- typically once per
// epoch -- to re-mine hard negatives with the current state of the embedding
// network.
//
// Randomness is scoped: all sampling draws from the *rand.Rand passed at
// construction, so two datasets built with equally seeded generators produce
// identical tuple selections.
type TuplesDataset struct {
	name    string
	dataDir string
	split   *Split

	imsize, nnum, qsize, poolsize int

	// batchSize used for descriptor extraction during mining.
	batchSize int

	rng *rand.Rand

	mu sync.Mutex

	// Epoch sample state, overwritten by each CreateEpochTuples call.
	qidxs, pidxs []int
	nidxs        [][]int
	avgNegDist   float64

	// next tuple to yield; -1 means end of epoch.
	next int
}

// DefaultExtractionBatchSize used for descriptor extraction unless overridden
// with WithExtractionBatchSize.
const DefaultExtractionBatchSize = 32

// NewTuplesDataset creates a tuples dataset from the ground-truth file
// `<dataDir>/<name>.json` (see LoadGroundTruth for the format).
//
// mode selects the ground-truth split ("train" or "val"). imsize is the
// training image resolution, nnum the number of negatives mined per query,
// qsize the number of queries sampled per epoch and poolsize the size of the
// candidate pool the negatives are mined from. rng is the scoped random
// source for all sampling.
//
// A missing or malformed ground-truth file is fatal at construction.
func NewTuplesDataset(name, dataDir, mode string, imsize, nnum, qsize, poolsize int, rng *rand.Rand) (*TuplesDataset, error) {
	gnd, err := LoadGroundTruth(filepath.Join(dataDir, name+".json"))
	if err != nil {
		return nil, err
	}
	split, found := gnd[mode]
	if !found {
		return nil, errors.Errorf("ground truth for dataset %q has no split %q", name, mode)
	}
	if nnum < 0 || qsize <= 0 || poolsize <= 0 || imsize <= 0 {
		return nil, errors.Errorf(
			"invalid tuple sizes: imsize=%d, nnum=%d, qsize=%d, poolsize=%d", imsize, nnum, qsize, poolsize)
	}
	if rng == nil {
		return nil, errors.New("a seeded *rand.Rand is required, the dataset does not use global random state")
	}
	return &TuplesDataset{
		name:      fmt.Sprintf("%s [%s]", name, mode),
		dataDir:   dataDir,
		split:     split,
		imsize:    imsize,
		nnum:      nnum,
		qsize:     qsize,
		poolsize:  poolsize,
		batchSize: DefaultExtractionBatchSize,
		rng:       rng,
	}, nil
}

// WithExtractionBatchSize sets the batch size used for descriptor extraction
// during mining. Returns the modified dataset for chaining.
func (ds *TuplesDataset) WithExtractionBatchSize(batchSize int) *TuplesDataset {
	ds.batchSize = batchSize
	return ds
}

// Name implements train.Dataset.
func (ds *TuplesDataset) Name() string { return ds.name }

// NumTuples returns the number of tuples selected for the current epoch, or 0
// before the first CreateEpochTuples call.
func (ds *TuplesDataset) NumTuples() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.qidxs)
}

// Negatives returns the mined negative table of the current epoch, one row of
// nnum image indices (into the split's IDs) per query. It returns nil before
// the first CreateEpochTuples call.
func (ds *TuplesDataset) Negatives() [][]int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.nidxs
}

// AverageNegativeDistance returns the mining diagnostic of the current epoch:
// the mean descriptor distance between queries and their selected negatives.
func (ds *TuplesDataset) AverageNegativeDistance() float64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.avgNegDist
}

// imagePath of the image with the given index in the split.
func (ds *TuplesDataset) imagePath(idx int) string {
	return filepath.Join(ds.dataDir, ds.split.IDs[idx])
}

// Yield implements train.Dataset. Each call returns one tuple:
//
//   - inputs: one tensor shaped `[2+nnum, imsize, imsize, 3]` holding the
//     query, the positive and the mined negatives, in this order.
//   - labels: one tensor shaped `[2+nnum]` with -1 for the query, 1 for the
//     positive and 0 for each negative.
//
// It returns io.EOF after the last tuple of the epoch; Reset restarts the
// epoch with the same tuples, and CreateEpochTuples re-mines them.
func (ds *TuplesDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	spec = ds
	if ds.nidxs == nil {
		err = errors.New("no epoch tuples selected yet: call CreateEpochTuples first")
		return
	}
	if ds.next < 0 || ds.next >= len(ds.qidxs) {
		ds.next = -1
		err = io.EOF
		return
	}
	t := ds.next
	ds.next++

	imgs := make([]image.Image, 0, 2+ds.nnum)
	labelValues := make([]float32, 0, 2+ds.nnum)
	for _, idx := range append([]int{ds.qidxs[t], ds.pidxs[t]}, ds.nidxs[t]...) {
		var img image.Image
		img, err = readTrainingImage(ds.imagePath(idx), ds.imsize)
		if err != nil {
			err = errors.WithMessagef(err, "failed to read tuple #%d of dataset %q", t, ds.name)
			return
		}
		imgs = append(imgs, img)
	}
	labelValues = append(labelValues, -1, 1)
	for range ds.nidxs[t] {
		labelValues = append(labelValues, 0)
	}

	inputs = []*tensors.Tensor{timages.ToTensor(DType).Batch(imgs)}
	labels = []*tensors.Tensor{tensors.FromValue(labelValues)}
	return
}

// Reset implements train.Dataset. It restarts the epoch with the current
// tuple selection; it does not re-mine negatives.
func (ds *TuplesDataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}
