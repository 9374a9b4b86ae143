// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package classification

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutrinoxtronic/models/imagefolder"
)

// buildClassImagesDir creates a root with two classes of four images each.
func buildClassImagesDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for classIdx, class := range []string{"cat", "dog"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, class), 0755))
		for i := 0; i < 4; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 12, 10))
			gray := uint8(100*classIdx + 10*i)
			for y := 0; y < 10; y++ {
				for x := 0; x < 12; x++ {
					img.Set(x, y, color.RGBA{R: gray, G: gray, B: gray, A: 255})
				}
			}
			f, err := os.Create(filepath.Join(root, class, "img"+string(rune('a'+i))+".png"))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	return root
}

func newDatasetsContext(numShards int) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamImageSize:          8,
		ParamSeed:               7,
		ParamValidationFraction: 0.25,
		ParamShards:             numShards,
	})
	return ctx
}

func TestCreateDatasetsOnDemand(t *testing.T) {
	index, err := imagefolder.Scan(buildClassImagesDir(t))
	require.NoError(t, err)

	trainDS, trainEvalDS, validationEvalDS := createDatasets(
		newDatasetsContext(0), index, t.TempDir(), 2, 2, 0)

	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, labels[0].Shape().Dimensions)

	// 8 examples, 25% validation: 6 train and 2 validation. The eval
	// datasets are single-epoch.
	batches := 0
	for {
		_, _, _, err = trainEvalDS.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		batches++
	}
	assert.Equal(t, 3, batches)

	_, inputs, _, err = validationEvalDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 3}, inputs[0].Shape().Dimensions)
	_, _, _, err = validationEvalDS.Yield()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCreateDatasetsFromShards(t *testing.T) {
	if Backend == nil {
		Backend = graphtest.BuildTestBackend()
	}
	index, err := imagefolder.Scan(buildClassImagesDir(t))
	require.NoError(t, err)
	dataDir := t.TempDir()

	trainDS, _, validationEvalDS := createDatasets(
		newDatasetsContext(1), index, dataDir, 2, 2, 0)

	// The conversion left the shard and labels files behind for reuse.
	name := filepath.Base(index.Root)
	for _, split := range []string{"train", "validation"} {
		shard := filepath.Join(dataDir, imagefolder.ShardFileName(name, split, 0, 1))
		assert.FileExists(t, shard)
	}
	labelNames, err := imagefolder.ReadLabelsFile(dataDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, labelNames)

	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, labels[0].Shape().Dimensions)

	_, _, _, err = validationEvalDS.Yield()
	require.NoError(t, err)
	_, _, _, err = validationEvalDS.Yield()
	assert.ErrorIs(t, err, io.EOF)
}
