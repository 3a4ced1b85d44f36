package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/imageio"
	"github.com/born-ml/neuroscan/internal/parallel"
)

// Sequence yields batches pass after pass. A pass visits every sample once;
// when it is exhausted the next call to Next starts a new one, reshuffling
// when the sequence shuffles. Reset starts a new pass immediately.
type Sequence interface {
	Next(ctx context.Context) (*Batch, error)
	Reset()
	Len() int // batches per pass
	Samples() int
	Classes() []string
	Close() error
}

// Options configures a DirectorySequence.
type Options struct {
	BatchSize int
	Height    int
	Width     int
	Shuffle   bool
	Seed      uint64
	Augmenter *Augmenter // nil disables augmentation
	Decoder   imageio.Decoder
	Parallel  parallel.Config
}

// DirectorySequence reads batches straight from image files.
type DirectorySequence struct {
	samples []Sample
	classes []string
	opts    Options
	rng     *rand.Rand

	order []int
	pos   int
	pass  int
}

// NewSequence returns a sequence over samples labelled against classes.
func NewSequence(samples []Sample, classes []string, opts Options) *DirectorySequence {
	if opts.Decoder == nil {
		opts.Decoder = imageio.StdDecoder{}
	}
	s := &DirectorySequence{
		samples: samples,
		classes: classes,
		opts:    opts,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
	s.startPass()
	return s
}

func (s *DirectorySequence) startPass() {
	if s.order == nil {
		s.order = make([]int, len(s.samples))
	}
	for i := range s.order {
		s.order[i] = i
	}
	if s.opts.Shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
	s.pos = 0
	s.pass++
}

// Len returns the number of batches in one pass; the last may be short.
func (s *DirectorySequence) Len() int {
	return (len(s.samples) + s.opts.BatchSize - 1) / s.opts.BatchSize
}

// Samples returns the number of images per pass.
func (s *DirectorySequence) Samples() int { return len(s.samples) }

// Classes returns the label ordering.
func (s *DirectorySequence) Classes() []string { return s.classes }

// Pass returns the 1-based number of the current pass.
func (s *DirectorySequence) Pass() int { return s.pass }

// Reset begins a new pass.
func (s *DirectorySequence) Reset() { s.startPass() }

// Close implements Sequence.
func (s *DirectorySequence) Close() error { return nil }

// Next assembles the next batch, starting a new pass when needed.
func (s *DirectorySequence) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.samples) == 0 {
		return nil, &Error{Op: "batch", Err: ErrEmptySubset}
	}
	if s.pos >= len(s.order) {
		s.startPass()
	}

	end := min(s.pos+s.opts.BatchSize, len(s.order))
	idx := s.order[s.pos:end]
	s.pos = end

	// Draw transforms in batch order before fanning out so a seed
	// reproduces the batch regardless of scheduling.
	var transforms []Transform
	if s.opts.Augmenter != nil {
		transforms = make([]Transform, len(idx))
		for i := range idx {
			transforms[i] = s.opts.Augmenter.Draw(s.rng, s.opts.Height, s.opts.Width)
		}
	}

	b := newBatch(len(idx), s.opts.Height, s.opts.Width, len(s.classes))
	err := parallel.ForErr(len(idx), func(i int) error {
		sample := s.samples[idx[i]]
		img, err := imageio.LoadFile(s.opts.Decoder, sample.Path, s.opts.Height, s.opts.Width)
		if err != nil {
			return err
		}
		if transforms != nil {
			img = Apply(img, transforms[i])
		}
		b.put(i, img, sample.Label, sample.Path)
		return nil
	}, s.opts.Parallel)
	if err != nil {
		return nil, &Error{Op: "batch", Err: err}
	}
	return b, nil
}

// CreateDatasets discovers cfg.Dataset.Root and returns the augmented,
// shuffled training sequence and the clean validation sequence.
func CreateDatasets(ctx context.Context, cfg config.Config, log *zap.Logger) (train, val Sequence, ix *Index, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	dec, err := imageio.NewDecoder(cfg.Dataset.Decoder)
	if err != nil {
		return nil, nil, nil, err
	}
	par := parallel.Workers(cfg.Dataset.Workers)

	if cfg.Dataset.Verify {
		ix, err = DiscoverVerified(ctx, cfg.Dataset.Root, cfg.Dataset.ValidationSplit, dec, par, log)
	} else {
		ix, err = Discover(cfg.Dataset.Root, cfg.Dataset.ValidationSplit)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if len(ix.Train) == 0 {
		return nil, nil, nil, &Error{Op: "split", Path: ix.Root, Err: fmt.Errorf("training %w", ErrEmptySubset)}
	}
	if len(ix.Validation) == 0 {
		return nil, nil, nil, &Error{Op: "split", Path: ix.Root, Err: fmt.Errorf("validation %w", ErrEmptySubset)}
	}

	seed := uint64(cfg.Dataset.SeedOr(time.Now().UnixNano()))
	base := Options{
		BatchSize: cfg.Dataset.BatchSize,
		Height:    cfg.Dataset.ImageHeight,
		Width:     cfg.Dataset.ImageWidth,
		Decoder:   dec,
		Parallel:  par,
	}

	trainOpts := base
	trainOpts.Shuffle = cfg.Dataset.Shuffle
	trainOpts.Seed = seed
	trainOpts.Augmenter = NewAugmenter(cfg.Augment)

	train = Prefetch(NewSequence(ix.Train, ix.Classes, trainOpts), cfg.Dataset.Prefetch)
	val = Prefetch(NewSequence(ix.Validation, ix.Classes, base), cfg.Dataset.Prefetch)

	log.Info("dataset ready",
		zap.String("root", ix.Root),
		zap.Strings("classes", ix.Classes),
		zap.Int("train_images", len(ix.Train)),
		zap.Int("validation_images", len(ix.Validation)),
		zap.Int("train_batches", train.Len()),
		zap.Int("validation_batches", val.Len()),
	)
	return train, val, ix, nil
}
