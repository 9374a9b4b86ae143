// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
)

// DefaultContrastiveMargin is the margin used by ContrastiveLoss when no
// explicit margin is configured.
const DefaultContrastiveMargin = 0.7

// MakeContrastiveLoss returns a losses.LossFn computing the contrastive loss
// of one tuple, as yielded by TuplesDataset:
//
//   - predictions[0] are the L2-normalized descriptors of the tuple images,
//     shaped `[2+nnum, dim]`, row 0 being the query;
//   - labels[0] is the `[2+nnum]` tuple label vector (-1 query, 1 positive,
//     0 negatives).
//
// For each non-query row x with distance d = |x - query|:
//
//	positive: loss += 0.5·d²
//	negative: loss += 0.5·max(0, margin-d)²
//
// pulling positives toward the query and pushing mined negatives at least
// margin away.
func MakeContrastiveLoss(margin float64) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		descriptors := predictions[0]
		tupleLabels := ConvertDType(labels[0], descriptors.DType())

		query := Slice(descriptors, AxisRange(0, 1))       // [1, dim]
		rest := Slice(descriptors, AxisRange(1))           // [1+nnum, dim]
		isPositive := Slice(tupleLabels, AxisRange(1))     // 1 for the positive, 0 for negatives.
		distSquare := ReduceSum(Square(Sub(rest, query)), -1)
		dist := Sqrt(distSquare)

		positiveLoss := Mul(isPositive, distSquare)
		hinge := MaxScalar(AddScalar(Neg(dist), margin), 0)
		negativeLoss := Mul(OneMinus(isPositive), Square(hinge))
		return MulScalar(ReduceAllSum(Add(positiveLoss, negativeLoss)), 0.5)
	}
}

// ContrastiveLoss is MakeContrastiveLoss with the default margin.
var ContrastiveLoss = MakeContrastiveLoss(DefaultContrastiveMargin)

// PositiveDistanceMetricGraph is a metrics.BaseMetricGraph reporting the
// descriptor distance between the tuple's query and its positive. It should
// shrink as training pulls matching images together.
func PositiveDistanceMetricGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	_ = ctx
	descriptors := predictions[0]
	query := Slice(descriptors, AxisRange(0, 1))
	positive := Slice(descriptors, AxisRange(1, 2))
	return Sqrt(ReduceAllSum(Square(Sub(positive, query))))
}
