// Package dataset turns a directory of class-labelled MRI slices into
// training and validation batch sequences.
//
// The root holds one subdirectory per class. Class names are sorted to fix
// the label ordering, files within a class are sorted by name, and the
// first int(split*n) files of each class form the validation subset.
package dataset

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/born-ml/neuroscan/internal/imageio"
)

// Sample is one labelled image file.
type Sample struct {
	Path  string
	Label int // index into Index.Classes
}

// ClassSplit counts the files of one class on each side of the split.
type ClassSplit struct {
	Train      int
	Validation int
}

// Index is the discovered dataset with its deterministic split.
type Index struct {
	Root       string
	Classes    []string
	Train      []Sample
	Validation []Sample
	Counts     []ClassSplit // aligned with Classes
}

// Total returns the number of images in both subsets.
func (ix *Index) Total() int {
	return len(ix.Train) + len(ix.Validation)
}

// Discover lists root and splits every class by validationSplit.
func Discover(root string, validationSplit float64) (*Index, error) {
	return discover(root, validationSplit, nil)
}

func discover(root string, validationSplit float64, skip map[string]bool) (*Index, error) {
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, &Error{Op: "discover", Path: root, Err: ErrRootMissing}
	case err != nil:
		return nil, &Error{Op: "discover", Path: root, Err: err}
	case !info.IsDir():
		return nil, &Error{Op: "discover", Path: root, Err: ErrNotDirectory}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &Error{Op: "discover", Path: root, Err: err}
	}

	ix := &Index{Root: root}
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			ix.Classes = append(ix.Classes, e.Name())
		}
	}
	if len(ix.Classes) == 0 {
		return nil, &Error{Op: "discover", Path: root, Err: ErrNoClasses}
	}
	sort.Strings(ix.Classes)

	ix.Counts = make([]ClassSplit, len(ix.Classes))
	for label, class := range ix.Classes {
		files, err := classFiles(filepath.Join(root, class), skip)
		if err != nil {
			return nil, err
		}
		nVal := int(validationSplit * float64(len(files)))
		for i, f := range files {
			s := Sample{Path: f, Label: label}
			if i < nVal {
				ix.Validation = append(ix.Validation, s)
			} else {
				ix.Train = append(ix.Train, s)
			}
		}
		ix.Counts[label] = ClassSplit{Train: len(files) - nVal, Validation: nVal}
	}

	if ix.Total() == 0 {
		return nil, &Error{Op: "discover", Path: root, Err: ErrNoImages}
	}
	return ix, nil
}

// classFiles returns the sorted image files below dir, nested
// directories included.
func classFiles(dir string, skip map[string]bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if imageio.IsImage(d.Name()) && !skip[p] {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "discover", Path: dir, Err: err}
	}
	sort.Strings(files)
	return files, nil
}
