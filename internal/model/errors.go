package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInputShape means a backbone cannot accept the configured image size.
	ErrInputShape = errors.New("backbone input shape mismatch")
	// ErrFeatureShape means a backbone produced an unusable feature map.
	ErrFeatureShape = errors.New("unexpected backbone output shape")
	// ErrLabels means the label set cannot drive a classifier.
	ErrLabels = errors.New("need at least two labels")
	// ErrStateDict means a checkpoint does not match the model it is loaded into.
	ErrStateDict = errors.New("state dict mismatch")
)

// BuildError reports a model that could not be assembled.
type BuildError struct {
	Component string // backbone, head, classifier
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("model: build %s: %v", e.Component, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// PersistenceError reports a checkpoint that could not be written or read.
type PersistenceError struct {
	Op   string // save, load, mkdir
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("model: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
