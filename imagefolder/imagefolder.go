// Copyright 2025 The Models Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder loads classification datasets laid out as one
// subdirectory per class:
//
//	root/
//	  daisy/001.jpg ...
//	  rose/004.jpg ...
//
// It provides a deterministic seeded train/validation split, a
// train.Dataset that reads and resizes the images on demand, and gob shard
// conversion for fast re-loading (see records.go).
package imagefolder

import (
	"math/rand"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// imageExtensions accepted when scanning class directories.
var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Example is one labeled image of the index.
type Example struct {
	// Path of the image file, relative to the index root.
	Path string

	// Label is the class index, in [0, len(Index.Classes)).
	Label int32
}

// Index lists the classes and labeled images found under a root directory.
type Index struct {
	Root     string
	Classes  []string
	Examples []Example
}

// Scan builds an Index from the class subdirectories of root. Class names
// are the subdirectory names, sorted, so labels are stable across runs and
// machines. Files without a known image extension are ignored.
func Scan(root string) (*Index, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan dataset directory %q", root)
	}
	var classes []string
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("dataset directory %q has no class subdirectories", root)
	}
	sort.Strings(classes)

	idx := &Index{Root: root, Classes: classes}
	for label, class := range classes {
		classDir := path.Join(root, class)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list class directory %q", classDir)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			ext := strings.ToLower(path.Ext(file.Name()))
			if !imageExtensions[ext] {
				continue
			}
			idx.Examples = append(idx.Examples, Example{
				Path:  path.Join(class, file.Name()),
				Label: int32(label),
			})
		}
	}
	if len(idx.Examples) == 0 {
		return nil, errors.Errorf("no images found under %q", root)
	}
	return idx, nil
}

// NumExamples in the index.
func (idx *Index) NumExamples() int { return len(idx.Examples) }

// Split shuffles the examples with the given random source and splits off
// the first numValidation of them as the validation set, the rest being the
// training set. With an equally seeded source the split is reproducible.
func (idx *Index) Split(rng *rand.Rand, numValidation int) (train, validation *Index, err error) {
	if numValidation < 0 || numValidation >= len(idx.Examples) {
		return nil, nil, errors.Errorf("cannot reserve %d of %d examples for validation",
			numValidation, len(idx.Examples))
	}
	shuffled := make([]Example, len(idx.Examples))
	copy(shuffled, idx.Examples)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	validation = &Index{Root: idx.Root, Classes: idx.Classes, Examples: shuffled[:numValidation]}
	train = &Index{Root: idx.Root, Classes: idx.Classes, Examples: shuffled[numValidation:]}
	return train, validation, nil
}

// LabelsFileName is where WriteLabelsFile stores the class names.
const LabelsFileName = "labels.txt"

// WriteLabelsFile writes the class names to dir/labels.txt, one per line in
// label order, so predictions can be mapped back to names without
// re-scanning the original directory tree.
func (idx *Index) WriteLabelsFile(dir string) error {
	contents := strings.Join(idx.Classes, "\n") + "\n"
	filePath := path.Join(dir, LabelsFileName)
	if err := os.WriteFile(filePath, []byte(contents), 0644); err != nil {
		return errors.Wrapf(err, "failed to write labels file %q", filePath)
	}
	return nil
}

// ReadLabelsFile reads back the class names written by WriteLabelsFile.
func ReadLabelsFile(dir string) ([]string, error) {
	filePath := path.Join(dir, LabelsFileName)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read labels file %q", filePath)
	}
	labels := strings.Split(strings.TrimRight(string(contents), "\n"), "\n")
	return labels, nil
}
