// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeUniformPNG writes a width x height image where every pixel has the
// same gray value.
func writeUniformPNG(t *testing.T, path string, gray uint8, width, height int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: gray, G: gray, B: gray, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// angleEmbedder is a deterministic fake Embedder: each image is mapped to the
// unit vector (cos θ, sin θ) with θ = mean-pixel-value · π. Brighter images
// land further along the half-circle, so the dot-product similarity between
// two images decreases monotonically with their brightness difference.
type angleEmbedder struct {
	batchSizes []int
}

func (e *angleEmbedder) OutputDim() int { return 2 }

func (e *angleEmbedder) Embed(imgs *tensors.Tensor) (*tensors.Tensor, error) {
	dims := imgs.Shape().Dimensions
	batchSize := dims[0]
	perImage := dims[1] * dims[2] * dims[3]
	e.batchSizes = append(e.batchSizes, batchSize)
	flat := tensors.CopyFlatData[float32](imgs)
	out := make([]float32, 0, 2*batchSize)
	for i := 0; i < batchSize; i++ {
		var sum float64
		for _, v := range flat[i*perImage : (i+1)*perImage] {
			sum += float64(v)
		}
		theta := sum / float64(perImage) * math.Pi
		out = append(out, float32(math.Cos(theta)), float32(math.Sin(theta)))
	}
	return tensors.FromFlatDataAndDimensions(out, batchSize, 2), nil
}

// embedderAngle returns the θ the fake embedder assigns to a uniform image
// with the given gray value.
func embedderAngle(gray uint8) float64 {
	return float64(gray) / 255.0 * math.Pi
}

// buildTuplesTestData creates a 7-image dataset with clusters
// [0, 0, 1, 2, 3, 4, 5] and one (query, positive) pair: images 0 and 1.
// Image k is uniformly gray with value 30·k, so under angleEmbedder the
// candidates closest to the query are the lowest-numbered ones.
func buildTuplesTestData(t *testing.T) (dataDir string) {
	t.Helper()
	dataDir = t.TempDir()
	var ids string
	for k := 0; k < 7; k++ {
		name := fmt.Sprintf("img%d.png", k)
		writeUniformPNG(t, filepath.Join(dataDir, name), uint8(30*k), 16, 12)
		if k > 0 {
			ids += ", "
		}
		ids += fmt.Sprintf("%q", name)
	}
	gnd := fmt.Sprintf(`{"train": {
		"ids": [%s],
		"cluster": [0, 0, 1, 2, 3, 4, 5],
		"qidxs": [0],
		"pidxs": [1]
	}}`, ids)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "toy.json"), []byte(gnd), 0644))
	return
}

func newTestDataset(t *testing.T, dataDir string, nnum, qsize, poolsize int, seed int64) *TuplesDataset {
	t.Helper()
	ds, err := NewTuplesDataset("toy", dataDir, "train", 8, nnum, qsize, poolsize,
		rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return ds.WithExtractionBatchSize(4)
}

func TestNewTuplesDatasetErrors(t *testing.T) {
	dataDir := buildTuplesTestData(t)
	rng := rand.New(rand.NewSource(1))

	_, err := NewTuplesDataset("no_such_dataset", dataDir, "train", 8, 2, 1, 5, rng)
	assert.Error(t, err, "missing ground-truth file")

	_, err = NewTuplesDataset("toy", dataDir, "test", 8, 2, 1, 5, rng)
	assert.Error(t, err, "unknown split")

	_, err = NewTuplesDataset("toy", dataDir, "train", 8, 2, 0, 5, rng)
	assert.Error(t, err, "qsize must be positive")

	_, err = NewTuplesDataset("toy", dataDir, "train", 8, 2, 1, 5, nil)
	assert.Error(t, err, "nil random source")
}

func TestCreateEpochTuplesSelectsHardestAllowedNegatives(t *testing.T) {
	dataDir := buildTuplesTestData(t)
	// poolsize covers the full image set, so mining is independent of the
	// pool sampling order.
	ds := newTestDataset(t, dataDir, 2, 1, 7, 42)
	embedder := &angleEmbedder{}

	avgNegDist, err := ds.CreateEpochTuples(embedder)
	require.NoError(t, err)

	// The candidates most similar to query image 0 are, in order, images
	// 0, 1, 2, 3... Images 0 and 1 share the query's cluster, so the two
	// hardest allowed negatives are images 2 and 3.
	require.Equal(t, 1, ds.NumTuples())
	require.Equal(t, [][]int{{2, 3}}, ds.Negatives())

	var wantSum float64
	for _, gray := range []uint8{60, 90} {
		similarity := math.Cos(embedderAngle(gray)) // query angle is 0
		wantSum += math.Sqrt(2 - 2*similarity)
	}
	assert.InDelta(t, wantSum/2, avgNegDist, 1e-3)
	assert.Equal(t, avgNegDist, ds.AverageNegativeDistance())
}

func TestCreateEpochTuplesClusterConstraints(t *testing.T) {
	dataDir := buildTuplesTestData(t)
	ds := newTestDataset(t, dataDir, 2, 1, 5, 42)

	_, err := ds.CreateEpochTuples(&angleEmbedder{})
	require.NoError(t, err)

	negatives := ds.Negatives()
	require.Len(t, negatives, 1)
	require.Len(t, negatives[0], 2)
	clusters := []int{0, 0, 1, 2, 3, 4, 5}
	seen := map[int]bool{0: true} // the query's cluster
	for _, neg := range negatives[0] {
		cluster := clusters[neg]
		assert.False(t, seen[cluster], "negative %d repeats cluster %d", neg, cluster)
		seen[cluster] = true
	}
}

func TestCreateEpochTuplesIsReproducible(t *testing.T) {
	dataDir := buildTuplesTestData(t)
	ds1 := newTestDataset(t, dataDir, 2, 1, 5, 17)
	ds2 := newTestDataset(t, dataDir, 2, 1, 5, 17)

	dist1, err := ds1.CreateEpochTuples(&angleEmbedder{})
	require.NoError(t, err)
	dist2, err := ds2.CreateEpochTuples(&angleEmbedder{})
	require.NoError(t, err)

	assert.Equal(t, dist1, dist2)
	assert.Equal(t, ds1.Negatives(), ds2.Negatives())
}

func TestCreateEpochTuplesInsufficientNegatives(t *testing.T) {
	dataDir := buildTuplesTestData(t)
	// Only 5 clusters differ from the query's, so 6 negatives cannot be
	// found even with the full image set as pool.
	ds := newTestDataset(t, dataDir, 6, 1, 7, 42)

	_, err := ds.CreateEpochTuples(&angleEmbedder{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientNegatives)
}

func TestCreateEpochTuplesWithoutNegatives(t *testing.T) {
	dataDir := buildTuplesTestData(t)
	ds := newTestDataset(t, dataDir, 0, 1, 7, 42)

	avgNegDist, err := ds.CreateEpochTuples(&angleEmbedder{})
	require.NoError(t, err)
	assert.Zero(t, avgNegDist)
	require.Equal(t, 1, ds.NumTuples())
	require.Equal(t, [][]int{{}}, ds.Negatives())

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []float32{-1, 1}, tensors.CopyFlatData[float32](labels[0]))
}

func TestYieldBeforeMiningFails(t *testing.T) {
	dataDir := buildTuplesTestData(t)
	ds := newTestDataset(t, dataDir, 2, 1, 7, 42)
	assert.Nil(t, ds.Negatives())
	assert.Zero(t, ds.NumTuples())

	_, _, _, err := ds.Yield()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestYieldTuples(t *testing.T) {
	dataDir := buildTuplesTestData(t)
	ds := newTestDataset(t, dataDir, 2, 1, 7, 42)
	_, err := ds.CreateEpochTuples(&angleEmbedder{})
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Same(t, ds, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		assert.Equal(t, []int{4, 8, 8, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []float32{-1, 1, 0, 0}, tensors.CopyFlatData[float32](labels[0]))

		// Uniform images survive resizing, so each row's pixels identify
		// the source image: query 0, positive 1, negatives 2 and 3.
		flat := tensors.CopyFlatData[float32](inputs[0])
		perImage := 8 * 8 * 3
		for row, gray := range []uint8{0, 30, 60, 90} {
			assert.InDelta(t, float64(gray)/255, float64(flat[row*perImage]), 1e-2,
				"tuple row %d", row)
		}

		_, _, _, err = ds.Yield()
		assert.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}
}
