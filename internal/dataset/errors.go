package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrRootMissing means the dataset root does not exist.
	ErrRootMissing = errors.New("dataset root does not exist")
	// ErrNotDirectory means the dataset root is a file.
	ErrNotDirectory = errors.New("dataset root is not a directory")
	// ErrNoClasses means the root holds no class subdirectories.
	ErrNoClasses = errors.New("no class directories found")
	// ErrNoImages means no supported image file was found.
	ErrNoImages = errors.New("no images found")
	// ErrEmptySubset means the split left the training or validation subset empty.
	ErrEmptySubset = errors.New("subset is empty")
)

// Error describes a failure to discover or read the dataset.
type Error struct {
	Op   string // discover, split, batch, scan
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("dataset: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("dataset: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
