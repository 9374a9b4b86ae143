// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"encoding/gob"
	"fmt"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	timages "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// NumChannels of the stored image pixels.
const NumChannels = 3

// shardData is the gob payload of one shard file: a slab of pre-resized
// images (flattened `[N, ImageSize, ImageSize, NumChannels]` row-major
// pixels) and their labels.
type shardData struct {
	ImageSize int
	Labels    []int32
	Pixels    []float32
}

// ShardFileName returns the canonical file name of shard `shard` out of
// `numShards`, e.g. "flowers_train_00002-of-00005.gob".
func ShardFileName(name, split string, shard, numShards int) string {
	return fmt.Sprintf("%s_%s_%05d-of-%05d.gob", name, split, shard, numShards)
}

// ConvertToShards decodes and resizes every image of the index and writes the
// result as numShards gob files named ShardFileName(name, split, i, numShards)
// under outputDir. Sharded conversion is done once up front so training runs
// skip the image decoding cost.
//
// It also writes the labels file (see WriteLabelsFile) next to the shards.
func ConvertToShards(index *Index, outputDir, name, split string, imageSize, numShards int, verbose bool) error {
	if numShards < 1 {
		return errors.Errorf("numShards must be >= 1, got %d", numShards)
	}
	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create shards directory %q", outputDir)
	}
	if err := index.WriteLabelsFile(outputDir); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if verbose {
		bar = progressbar.Default(int64(len(index.Examples)),
			fmt.Sprintf("Converting %s/%s to %d shard(s)", name, split, numShards))
	}
	pixelsPerImage := imageSize * imageSize * NumChannels
	toTensor := timages.ToTensor(DType)
	numExamples := len(index.Examples)
	start := 0
	for shard := 0; shard < numShards; shard++ {
		// Spread the remainder over the first shards, so sizes differ by
		// at most one example.
		count := numExamples / numShards
		if shard < numExamples%numShards {
			count++
		}
		shardExamples := index.Examples[start : start+count]
		start += count

		payload := shardData{
			ImageSize: imageSize,
			Labels:    make([]int32, 0, count),
			Pixels:    make([]float32, 0, count*pixelsPerImage),
		}
		for _, example := range shardExamples {
			img, err := loadImage(index.Root, example.Path, imageSize)
			if err != nil {
				return err
			}
			t := toTensor.Single(img)
			payload.Pixels = append(payload.Pixels, tensors.CopyFlatData[float32](t)...)
			payload.Labels = append(payload.Labels, example.Label)
			t.FinalizeAll()
			if bar != nil {
				_ = bar.Add(1)
			}
		}

		filePath := path.Join(outputDir, ShardFileName(name, split, shard, numShards))
		if err := writeShard(filePath, &payload); err != nil {
			return err
		}
		if verbose {
			info, err := os.Stat(filePath)
			if err == nil {
				fmt.Printf("\t%s: %d examples, %s\n", filePath, count, humanize.Bytes(uint64(info.Size())))
			}
		}
	}
	if bar != nil {
		_ = bar.Close()
	}
	return nil
}

func writeShard(filePath string, payload *shardData) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create shard file %q", filePath)
	}
	if err = gob.NewEncoder(f).Encode(payload); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode shard file %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close shard file %q", filePath)
	}
	return nil
}

func readShard(filePath string) (*shardData, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open shard file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	payload := &shardData{}
	if err = gob.NewDecoder(f).Decode(payload); err != nil {
		return nil, errors.Wrapf(err, "failed to decode shard file %q", filePath)
	}
	return payload, nil
}

// LoadShards reads back the shard files written by ConvertToShards and
// returns their contents as an InMemoryDataset, ready for batching and
// shuffling on the accelerator side. All numShards files must be present.
func LoadShards(backend backends.Backend, dir, name, split string, numShards int) (*data.InMemoryDataset, error) {
	var all shardData
	for shard := 0; shard < numShards; shard++ {
		payload, err := readShard(path.Join(dir, ShardFileName(name, split, shard, numShards)))
		if err != nil {
			return nil, err
		}
		if shard == 0 {
			all.ImageSize = payload.ImageSize
		} else if payload.ImageSize != all.ImageSize {
			return nil, errors.Errorf("shard %d of %s/%s has image size %d, expected %d",
				shard, name, split, payload.ImageSize, all.ImageSize)
		}
		all.Labels = append(all.Labels, payload.Labels...)
		all.Pixels = append(all.Pixels, payload.Pixels...)
	}
	n := len(all.Labels)
	if n == 0 {
		return nil, errors.Errorf("shards of %s/%s in %q are empty", name, split, dir)
	}
	imagesT := tensors.FromFlatDataAndDimensions(all.Pixels, n, all.ImageSize, all.ImageSize, NumChannels)
	labelsT := tensors.FromFlatDataAndDimensions(all.Labels, n, 1)
	ds, err := data.InMemoryFromData(backend, fmt.Sprintf("%s_%s", name, split),
		[]any{imagesT}, []any{labelsT})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build in-memory dataset from shards of %s/%s", name, split)
	}
	return ds, nil
}
