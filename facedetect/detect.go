// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package facedetect

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	timages "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
)

// Detection is the refinement result for one candidate window.
type Detection struct {
	// FaceProb is the probability (post softmax) that the window is a face.
	FaceProb float32

	// BBoxOffsets refine the window's bounding box: x1, y1, x2, y2
	// corrections relative to the window size.
	BBoxOffsets [NumBBoxOffsets]float32

	// Landmarks are (x, y) coordinates of the 5 facial landmarks, relative
	// to the window size.
	Landmarks [NumLandmarkCoords]float32
}

// DefaultDetectionBatchSize used by NewDetector.
const DefaultDetectionBatchSize = 128

// Detector runs the refinement network over batches of candidate windows.
//
// The network graph is compiled for a single, fixed batch size: the input is
// processed in that many windows at a time and the final short batch is
// padded by repeating windows already in it, with the padded rows discarded
// from the output. Results are aligned with the input order.
type Detector struct {
	batchSize int

	// runBatch executes the compiled network over a full batch of windows
	// and returns the face probabilities, bbox offsets and landmarks.
	runBatch func(windows *tensors.Tensor) ([]*tensors.Tensor, error)
}

// NewDetector compiles the refinement network over the given context, which
// carries the (trained) weights. A batchSize <= 0 selects
// DefaultDetectionBatchSize.
func NewDetector(backend backends.Backend, ctx *context.Context, batchSize int) *Detector {
	if batchSize <= 0 {
		batchSize = DefaultDetectionBatchSize
	}
	exec := context.NewExec(backend, ctx.In("model"),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			outputs := RefineNetGraph(ctx, inputs[0])
			outputs[0] = graph.Softmax(outputs[0])
			return outputs
		})
	return &Detector{
		batchSize: batchSize,
		runBatch: func(windows *tensors.Tensor) ([]*tensors.Tensor, error) {
			var outputs []*tensors.Tensor
			err := exceptions.TryCatch[error](func() { outputs = exec.Call(windows) })
			if err != nil {
				return nil, errors.WithMessage(err, "refinement network execution failed")
			}
			return outputs, nil
		},
	}
}

// LoadDetector creates a Detector with the weights of a checkpoint
// directory.
func LoadDetector(backend backends.Backend, checkpointDir string, batchSize int) (*Detector, error) {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load refinement network from %q", checkpointDir)
	}
	return NewDetector(backend, ctx.Reuse(), batchSize), nil
}

// Detect runs the refinement network over the candidate windows and returns
// one Detection per window, in the same order. Windows that are not already
// InputSize x InputSize are resized.
func (d *Detector) Detect(windows []image.Image) ([]Detection, error) {
	numWindows := len(windows)
	if numWindows == 0 {
		return nil, nil
	}
	detections := make([]Detection, 0, numWindows)
	toTensor := timages.ToTensor(DType)
	for start := 0; start < numWindows; start += d.batchSize {
		realSize := min(d.batchSize, numWindows-start)
		batch := make([]image.Image, 0, d.batchSize)
		for _, window := range windows[start : start+realSize] {
			bounds := window.Bounds()
			if bounds.Dx() != InputSize || bounds.Dy() != InputSize {
				window = imaging.Resize(window, InputSize, InputSize, imaging.Linear)
			}
			batch = append(batch, window)
		}
		// Short final batch: the graph is compiled for a fixed batch size,
		// so fill it up by cycling through the windows already in it.
		for i := 0; len(batch) < d.batchSize; i++ {
			batch = append(batch, batch[i%realSize])
		}

		outputs, err := d.runBatch(toTensor.Batch(batch))
		if err != nil {
			return nil, err
		}
		if len(outputs) != 3 {
			return nil, errors.Errorf("refinement network returned %d outputs, expected 3", len(outputs))
		}
		probs := tensors.CopyFlatData[float32](outputs[0])
		bboxes := tensors.CopyFlatData[float32](outputs[1])
		landmarks := tensors.CopyFlatData[float32](outputs[2])
		for i := 0; i < realSize; i++ {
			var det Detection
			det.FaceProb = probs[i*2+1]
			copy(det.BBoxOffsets[:], bboxes[i*NumBBoxOffsets:(i+1)*NumBBoxOffsets])
			copy(det.Landmarks[:], landmarks[i*NumLandmarkCoords:(i+1)*NumLandmarkCoords])
			detections = append(detections, det)
		}
	}
	return detections, nil
}
