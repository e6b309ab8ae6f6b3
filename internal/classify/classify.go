// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package classify assigns research-field and disease labels to publication
// records. The classification capability itself is a black box behind the
// Backend interface; this package supplies a deterministic keyword-taxonomy
// backend and a remote HTTP backend, plus the bounded-retry policy shared
// by both.
package classify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

// Backend classifies free text into zero or more labels from a fixed
// taxonomy. Implementations must be idempotent: the same text yields the
// same labels across calls, to the extent the underlying capability allows.
type Backend interface {
	Name() string
	Classify(ctx context.Context, text string) ([]string, error)
}

// ClassificationError reports that the classification capability was
// unavailable after the retry budget was spent. The affected record keeps
// an empty label set; it is never left partially labeled.
type ClassificationError struct {
	Backend string
	Err     error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification via %s: %v", e.Backend, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// backoffBase controls the base duration for exponential backoff between
// classification attempts. Tests override this to avoid real sleeps.
var backoffBase = time.Second

// ClassifyRecord classifies rec's title and abstract, retrying backend
// failures up to maxRetries with exponential backoff. The returned labels
// are sorted and deduplicated. On exhaustion it returns a
// *ClassificationError and no labels.
func ClassifyRecord(ctx context.Context, backend Backend, rec *types.PublicationRecord, maxRetries int) ([]string, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		labels, err := backend.Classify(ctx, rec.Text())
		if err == nil {
			return normalizeLabels(labels), nil
		}
		lastErr = err
	}

	return nil, &ClassificationError{
		Backend: backend.Name(),
		Err:     fmt.Errorf("after %d retries: %w", maxRetries, lastErr),
	}
}

// normalizeLabels sorts and deduplicates a label set so classification
// output is stable across runs.
func normalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	var out []string
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
