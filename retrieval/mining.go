// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"math"
	"sort"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInsufficientNegatives is returned by CreateEpochTuples when a query has
// fewer than nnum candidates in the pool that satisfy the cluster
// constraints. Mining neither pads nor relaxes the constraint: either would
// silently change the training semantics.
var ErrInsufficientNegatives = errors.New("insufficient qualifying negatives")

// CreateEpochTuples selects the training tuples of one epoch:
//
//  1. Samples qsize query/positive pairs and a poolsize candidate pool,
//     without replacement, from the dataset's scoped random source.
//  2. Extracts descriptors for all sampled images in fixed-size batches
//     (inference only -- the embedder's parameters are not touched).
//  3. Ranks, per query, the pool candidates by descending dot-product
//     similarity of the L2-normalized descriptors. Ties are broken by lower
//     pool position, making the ranking deterministic.
//  4. Keeps the nearest nnum candidates whose clusters are mutually distinct
//     and differ from the query's cluster. These are the hard negatives.
//
// It returns the mean descriptor distance sqrt(2-2·s) of the selected
// negatives as a diagnostic: the smaller it gets, the harder the negatives.
func (ds *TuplesDataset) CreateEpochTuples(embedder Embedder) (avgNegDistance float64, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	// Sample queries (with their positives) and the candidate pool.
	qCount := min(ds.qsize, len(ds.split.QueryIdxs))
	qPerm := ds.rng.Perm(len(ds.split.QueryIdxs))[:qCount]
	qidxs := make([]int, qCount)
	pidxs := make([]int, qCount)
	for i, p := range qPerm {
		qidxs[i] = ds.split.QueryIdxs[p]
		pidxs[i] = ds.split.PositiveIdxs[p]
	}
	poolCount := min(ds.poolsize, len(ds.split.IDs))
	poolIdxs := ds.rng.Perm(len(ds.split.IDs))[:poolCount]

	if ds.nnum == 0 {
		// No negatives wanted: tuples are (query, positive) pairs only.
		ds.qidxs, ds.pidxs = qidxs, pidxs
		ds.nidxs = make([][]int, qCount)
		for i := range ds.nidxs {
			ds.nidxs[i] = []int{}
		}
		ds.avgNegDist = 0
		ds.next = 0
		return 0, nil
	}

	klog.V(1).Infof("%s: mining %d negatives for %d queries over a pool of %d images",
		ds.name, ds.nnum, qCount, poolCount)
	qvecs, err := ds.extractFor(embedder, qidxs)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to extract query descriptors")
	}
	poolvecs, err := ds.extractFor(embedder, poolIdxs)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to extract pool descriptors")
	}

	nidxs := make([][]int, qCount)
	var sumDist float64
	for qi := range qidxs {
		ranked := rankBySimilarity(qvecs[qi], poolvecs)
		queryCluster := ds.split.Clusters[qidxs[qi]]
		usedClusters := map[int]bool{queryCluster: true}
		negs := make([]int, 0, ds.nnum)
		for _, r := range ranked {
			imgIdx := poolIdxs[r.pool]
			cluster := ds.split.Clusters[imgIdx]
			if usedClusters[cluster] {
				continue
			}
			usedClusters[cluster] = true
			negs = append(negs, imgIdx)
			sumDist += math.Sqrt(math.Max(0, 2-2*r.score))
			if len(negs) == ds.nnum {
				break
			}
		}
		if len(negs) < ds.nnum {
			return 0, errors.Wrapf(ErrInsufficientNegatives,
				"query image %d (cluster %d): only %d of %d negatives available in pool of %d",
				qidxs[qi], queryCluster, len(negs), ds.nnum, poolCount)
		}
		nidxs[qi] = negs
	}

	ds.qidxs, ds.pidxs, ds.nidxs = qidxs, pidxs, nidxs
	ds.avgNegDist = sumDist / float64(qCount*ds.nnum)
	ds.next = 0
	return ds.avgNegDist, nil
}

// extractFor extracts descriptors for the images with the given split
// indices and returns them as one []float32 row per image.
func (ds *TuplesDataset) extractFor(embedder Embedder, idxs []int) ([][]float32, error) {
	paths := make([]string, len(idxs))
	for i, idx := range idxs {
		paths[i] = ds.imagePath(idx)
	}
	descriptors, err := ExtractDescriptors(embedder, paths, ds.imsize, ds.batchSize, klog.V(2).Enabled())
	if err != nil {
		return nil, err
	}
	return descriptorRows(descriptors), nil
}

// descriptorRows splits a `[n, dim]` descriptors tensor into n rows.
func descriptorRows(t *tensors.Tensor) [][]float32 {
	dims := t.Shape().Dimensions
	n, dim := dims[0], dims[1]
	flat := tensors.CopyFlatData[float32](t)
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = flat[i*dim : (i+1)*dim]
	}
	return rows
}

// rankedCandidate is one pool entry scored against a query.
type rankedCandidate struct {
	pool  int // position in the sampled pool
	score float64
}

// rankBySimilarity orders all pool candidates by descending dot-product
// similarity to the query descriptor. Stable sort keeps equal scores in pool
// order, so the ranking is total and reproducible.
func rankBySimilarity(query []float32, pool [][]float32) []rankedCandidate {
	ranked := make([]rankedCandidate, len(pool))
	for j, candidate := range pool {
		ranked[j] = rankedCandidate{pool: j, score: dot(query, candidate)}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})
	return ranked
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
