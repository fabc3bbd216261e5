package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/detection"
	"github.com/banshee-data/traffic.report/internal/report"
)

// Job is one video to process.
type Job struct {
	Name    string
	Config  *config.Config
	Source  detection.Source
	Options []Option
}

// Result is the outcome of one Job. Output holds whatever was processed
// before an error.
type Result struct {
	Name   string
	Output report.Output
	Err    error
}

// RunAll processes jobs concurrently, at most limit at a time (limit < 1
// means no limit). Each job gets its own engine; a failing job does not
// stop the others. Results are returned in job order, and the error joins
// every per-job failure.
func RunAll(ctx context.Context, limit int, jobs ...Job) ([]Result, error) {
	results := make([]Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, job := range jobs {
		results[i].Name = job.Name
		g.Go(func() error {
			opts := append([]Option{WithSource(job.Name)}, job.Options...)
			e, err := New(job.Config, opts...)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Output, results[i].Err = e.Run(gctx, job.Source)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return results, errors.Join(errs...)
}
