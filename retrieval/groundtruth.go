// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// GroundTruth maps a split name ("train", "val") to its metadata.
//
// It is loaded once per dataset construction from a JSON file with the layout:
//
//	{"train": {"ids": [...], "cluster": [...], "qidxs": [...], "pidxs": [...]}}
type GroundTruth map[string]*Split

// Split holds the ground-truth metadata of one dataset split: the image
// identifiers, the cluster id of each image and the initial query/positive
// index pairs used for tuple construction.
type Split struct {
	// IDs are the image identifiers, usually file names relative to the dataset directory.
	IDs []string `json:"ids"`

	// Clusters assigns a cluster id to each image, parallel to IDs.
	// Cluster ids partition the image pool: a query and its negatives must
	// come from different clusters.
	Clusters []int `json:"cluster"`

	// QueryIdxs and PositiveIdxs are parallel: PositiveIdxs[i] is the
	// positive match for the query image at QueryIdxs[i].
	QueryIdxs    []int `json:"qidxs"`
	PositiveIdxs []int `json:"pidxs"`
}

// LoadGroundTruth reads and validates a ground-truth file.
// A missing or malformed file is a hard error: tuple mining cannot proceed
// without consistent cluster assignments.
func LoadGroundTruth(path string) (GroundTruth, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ground-truth file %q", path)
	}
	var gnd GroundTruth
	if err = json.Unmarshal(contents, &gnd); err != nil {
		return nil, errors.Wrapf(err, "failed to parse ground-truth file %q", path)
	}
	if len(gnd) == 0 {
		return nil, errors.Errorf("ground-truth file %q defines no splits", path)
	}
	for mode, split := range gnd {
		if err = split.validate(); err != nil {
			return nil, errors.WithMessagef(err, "invalid ground truth for split %q in %q", mode, path)
		}
	}
	return gnd, nil
}

func (s *Split) validate() error {
	if len(s.IDs) == 0 {
		return errors.New("empty image identifier list")
	}
	if len(s.Clusters) != len(s.IDs) {
		return errors.Errorf("got %d cluster assignments for %d images", len(s.Clusters), len(s.IDs))
	}
	if len(s.QueryIdxs) != len(s.PositiveIdxs) {
		return errors.Errorf("got %d query indices but %d positive indices",
			len(s.QueryIdxs), len(s.PositiveIdxs))
	}
	for i, qIdx := range s.QueryIdxs {
		pIdx := s.PositiveIdxs[i]
		if qIdx < 0 || qIdx >= len(s.IDs) {
			return errors.Errorf("query index %d out of range [0, %d)", qIdx, len(s.IDs))
		}
		if pIdx < 0 || pIdx >= len(s.IDs) {
			return errors.Errorf("positive index %d out of range [0, %d)", pIdx, len(s.IDs))
		}
		if s.Clusters[qIdx] != s.Clusters[pIdx] {
			return errors.Errorf("query %d (cluster %d) and positive %d (cluster %d) are not in the same cluster",
				qIdx, s.Clusters[qIdx], pIdx, s.Clusters[pIdx])
		}
	}
	return nil
}
