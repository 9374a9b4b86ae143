// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	timages "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Embedder maps a batch of images to fixed-length descriptor vectors.
//
// Embed takes an images tensor shaped `[batchSize, height, width, 3]` and
// returns descriptors shaped `[batchSize, OutputDim()]`. Implementations must
// be inference-only: embedding a batch must not mutate the underlying model
// parameters. See globalfeature.Net for the trained implementation.
type Embedder interface {
	Embed(images *tensors.Tensor) (*tensors.Tensor, error)

	// OutputDim is the dimension of the descriptors returned by Embed.
	OutputDim() int
}

// ExtractDescriptors computes a descriptor for each image path, in fixed-size
// batches, preserving input order: row i of the returned `[len(paths), dim]`
// tensor corresponds to paths[i].
//
// Images are resized so their shortest side is imsize and center-cropped to
// imsize×imsize. The final batch is padded by repeating images so every call
// to the embedder sees exactly batchSize rows; the padded rows are discarded
// from the output.
//
// If verbose is true, a progress bar is displayed while extracting.
func ExtractDescriptors(embedder Embedder, paths []string, imsize, batchSize int, verbose bool) (*tensors.Tensor, error) {
	if embedder == nil {
		return nil, errors.New("nil embedder")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	dim := embedder.OutputDim()
	flat := make([]float32, len(paths)*dim)

	var bar *progressbar.ProgressBar
	if verbose {
		bar = progressbar.Default(int64(len(paths)), "extracting descriptors")
	}

	toTensor := timages.ToTensor(DType)
	for start := 0; start < len(paths); start += batchSize {
		end := start + batchSize
		if end > len(paths) {
			end = len(paths)
		}
		realSize := end - start
		batch := make([]image.Image, 0, batchSize)
		for _, p := range paths[start:end] {
			img, err := readTrainingImage(p, imsize)
			if err != nil {
				return nil, err
			}
			batch = append(batch, img)
		}
		// Pad a short final batch by cycling through the already loaded
		// images, so the embedder always sees a full batch.
		for i := 0; len(batch) < batchSize; i++ {
			batch = append(batch, batch[i%realSize])
		}
		descriptors, err := embedder.Embed(toTensor.Batch(batch))
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to embed batch starting at image %d", start)
		}
		shape := descriptors.Shape()
		if shape.Rank() != 2 || shape.Dimensions[0] != batchSize || shape.Dimensions[1] != dim {
			return nil, errors.Errorf("embedder returned descriptors shaped %s, wanted [%d, %d]",
				shape, batchSize, dim)
		}
		batchFlat := tensors.CopyFlatData[float32](descriptors)
		copy(flat[start*dim:end*dim], batchFlat[:realSize*dim])
		if bar != nil {
			_ = bar.Add(realSize)
		}
	}
	if bar != nil {
		_ = bar.Close()
	}
	return tensors.FromFlatDataAndDimensions(flat, len(paths), dim), nil
}

// readTrainingImage loads one image file and scales it to imsize×imsize:
// shortest side resized to imsize preserving the aspect ratio, then
// center-cropped.
//
// An unreadable file or an undecodable image is a hard error, no
// skip-with-warning: a corrupted dataset should be caught at first use.
func readTrainingImage(path string, imsize int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return resizeAndCenterCrop(img, imsize), nil
}

// resizeAndCenterCrop resizes the smallest dimension of img to size,
// preserving the aspect ratio, and then crops the largest dimension to size
// from the middle.
func resizeAndCenterCrop(img image.Image, size int) image.Image {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width < height {
		ratio := float64(width) / float64(size)
		width = size
		height = int(math.Round(float64(height) / ratio))
	} else if height < width {
		ratio := float64(height) / float64(size)
		height = size
		width = int(math.Round(float64(width) / ratio))
	} else {
		width = size
		height = size
	}
	img = imaging.Resize(img, width, height, imaging.Linear)
	if width > height {
		start := (width - size) / 2
		img = imaging.Crop(img, image.Rect(start, 0, start+size, size))
	} else if height > width {
		start := (height - size) / 2
		img = imaging.Crop(img, image.Rect(0, start, size, start+size))
	}
	return img
}
