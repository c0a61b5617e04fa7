package simulate

import (
	"context"
	"fmt"

	"github.com/rendis/chatflow/internal/workpool"
	"github.com/rendis/chatflow/pkg/schema"
)

// SuiteResult collects the results of a suite in script order.
type SuiteResult struct {
	Results []*Result `json:"results"`
	Passed  int       `json:"passed"`
	Failed  int       `json:"failed"`
}

// RunSuite plays every script against flow on a bounded worker pool. A
// script that cannot run at all yields a result with a single failure, so
// one broken script never hides the others.
func RunSuite(ctx context.Context, flow *schema.Flow, scripts []Script, opts Options) (*SuiteResult, error) {
	if flow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is required")
	}
	opts.defaults()

	pool := workpool.New(opts.Concurrency, opts.Logger)
	defer pool.Close()

	results := make([]*Result, len(scripts))
	for i, sc := range scripts {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("script-%d", i+1)
		}
		err := pool.Go(ctx, name, func(ctx context.Context) error {
			res, err := Run(ctx, flow, sc, opts)
			if err != nil {
				res = &Result{Name: sc.Name, Failures: []string{err.Error()}}
			}
			results[i] = res
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if err := pool.Wait(); err != nil {
		return nil, err
	}

	out := &SuiteResult{Results: results}
	for _, r := range results {
		if r.Passed() {
			out.Passed++
		} else {
			out.Failed++
		}
	}
	return out, nil
}
