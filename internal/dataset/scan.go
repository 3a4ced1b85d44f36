package dataset

import (
	"context"
	"errors"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/imageio"
	"github.com/born-ml/neuroscan/internal/parallel"
)

// ClassCount is the number of readable images of one class.
type ClassCount struct {
	Name   string
	Images int
}

// ScanReport summarises an integrity pass over the dataset.
type ScanReport struct {
	Root       string
	Classes    []ClassCount
	Unreadable []string
	Removed    []string
}

// Total returns the number of readable images.
func (r *ScanReport) Total() int {
	n := 0
	for _, c := range r.Classes {
		n += c.Images
	}
	return n
}

// ScanOptions configures Scan.
type ScanOptions struct {
	Decoder  imageio.Decoder
	Parallel parallel.Config
	Remove   bool // delete files that fail to decode
}

// Scan decodes every image below root, counts the readable ones per class
// and reports, and optionally deletes, those that fail.
func Scan(ctx context.Context, root string, opts ScanOptions, log *zap.Logger) (*ScanReport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Decoder == nil {
		opts.Decoder = imageio.StdDecoder{}
	}

	ix, err := Discover(root, 0)
	if err != nil {
		return nil, err
	}
	samples := ix.Train // split 0 puts every file in training

	bad := make([]bool, len(samples))
	err = parallel.ForErr(len(samples), func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := imageio.DecodeFile(opts.Decoder, samples[i].Path); err != nil {
			var derr *imageio.DecodeError
			if !errors.As(err, &derr) {
				return err
			}
			bad[i] = true
		}
		return nil
	}, opts.Parallel)
	if err != nil {
		return nil, &Error{Op: "scan", Path: root, Err: err}
	}

	report := &ScanReport{Root: root, Classes: make([]ClassCount, len(ix.Classes))}
	for i, c := range ix.Classes {
		report.Classes[i].Name = c
	}
	for i, s := range samples {
		if !bad[i] {
			report.Classes[s.Label].Images++
			continue
		}
		report.Unreadable = append(report.Unreadable, s.Path)
		log.Warn("unreadable image", zap.String("path", s.Path))
		if opts.Remove {
			if err := os.Remove(s.Path); err != nil {
				return report, &Error{Op: "scan", Path: s.Path, Err: err}
			}
			report.Removed = append(report.Removed, s.Path)
		}
	}
	sort.Strings(report.Unreadable)
	return report, nil
}

// DiscoverVerified is Discover with files that fail to decode left out of
// both subsets.
func DiscoverVerified(ctx context.Context, root string, validationSplit float64, dec imageio.Decoder, par parallel.Config, log *zap.Logger) (*Index, error) {
	report, err := Scan(ctx, root, ScanOptions{Decoder: dec, Parallel: par}, log)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(report.Unreadable))
	for _, p := range report.Unreadable {
		skip[p] = true
	}
	return discover(root, validationSplit, skip)
}
