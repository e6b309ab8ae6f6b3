// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package fetch downloads UK Biobank publication metadata (Showcase
// Schema 19) and streams it to the parser as raw records. Delivery is
// at-least-once: resuming from a cursor may replay records, and the store's
// dedup absorbs the duplicates.
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pdiddy/ukb-pipeline/internal/httputil"
	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

// DefaultSourceURL is the Showcase schema download endpoint. Declared as a
// var so tests can substitute an httptest server.
var DefaultSourceURL = "https://biobank.ndph.ox.ac.uk/ukb/scdown.cgi"

// publicationsSchemaID selects Schema 19 (publications) on the endpoint.
const publicationsSchemaID = "19"

// backoffBase controls the base duration for exponential backoff between
// download attempts. Tests override this to avoid real sleeps.
var backoffBase = time.Second

const backoffCap = 30 * time.Second

// ErrorKind classifies a fetch failure.
type ErrorKind string

const (
	// KindTransient marks failures worth retrying: network errors,
	// timeouts, 429 and 5xx responses.
	KindTransient ErrorKind = "transient"

	// KindPermanent marks failures that will not succeed on retry:
	// auth failures, other 4xx responses, malformed framing.
	KindPermanent ErrorKind = "permanent"
)

// FetchError wraps a failure with its retry classification.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a FetchError of permanent kind.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindPermanent
}

func transient(format string, args ...any) *FetchError {
	return &FetchError{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

func permanent(format string, args ...any) *FetchError {
	return &FetchError{Kind: KindPermanent, Err: fmt.Errorf(format, args...)}
}

// Fetcher retrieves publication snapshots with retry, backoff, and rate
// limiting.
type Fetcher struct {
	client  *http.Client
	cfg     types.FetchConfig
	limiter *rate.Limiter
	log     *zap.Logger
}

// New builds a Fetcher from cfg. Zero-valued settings fall back to
// defaults: 30 s timeout, 3 retries, 2 requests/s.
func New(cfg types.FetchConfig, log *zap.Logger) *Fetcher {
	if cfg.SourceURL == "" {
		cfg.SourceURL = DefaultSourceURL
	}
	if cfg.Format == "" {
		cfg.Format = types.FormatTSV
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		log:     log,
	}
}

// Fetch downloads the publication snapshot and delivers each record after
// the cursor position to fn, in source order. It returns the cursor one
// past the last delivered record. An error from fn aborts the stream and
// is returned unwrapped, so the orchestrator can distinguish its own
// cancellation from fetch failures.
func (f *Fetcher) Fetch(ctx context.Context, cursor int, fn func(types.RawRecord) error) (int, error) {
	body, err := f.download(ctx)
	if err != nil {
		return cursor, err
	}
	defer body.Close()

	switch f.cfg.Format {
	case types.FormatXML:
		return f.streamXML(ctx, body, cursor, fn)
	default:
		return f.streamTSV(ctx, body, cursor, fn)
	}
}

func (f *Fetcher) requestURL() (string, error) {
	u, err := url.Parse(f.cfg.SourceURL)
	if err != nil {
		return "", permanent("invalid source URL %q: %v", f.cfg.SourceURL, err)
	}

	params := url.Values{
		"id": {publicationsSchemaID},
	}
	switch f.cfg.Format {
	case types.FormatXML:
		params.Set("fmt", "xml")
	default:
		params.Set("fmt", "txt")
	}
	if f.cfg.Query != "" {
		params.Set("srch", f.cfg.Query)
	}
	if !f.cfg.DateFrom.IsZero() {
		params.Set("from", f.cfg.DateFrom.Format("2006-01-02"))
	}
	if !f.cfg.DateTo.IsZero() {
		params.Set("to", f.cfg.DateTo.Format("2006-01-02"))
	}

	u.RawQuery = params.Encode()
	return u.String(), nil
}

// download retrieves the snapshot body, retrying transient failures with
// exponential backoff. Transport errors and retryable status codes count
// against the attempt budget; other status codes fail immediately as
// permanent.
func (f *Fetcher) download(ctx context.Context) (io.ReadCloser, error) {
	reqURL, err := f.requestURL()
	if err != nil {
		return nil, err
	}

	var lastErr *FetchError
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
			if backoff > backoffCap {
				backoff = backoffCap
			}
			f.log.Debug("retrying fetch",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, permanent("creating request: %v", err)
		}
		if f.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", f.cfg.UserAgent)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = transient("requesting %s: %v", reqURL, err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			f.log.Info("fetched publication snapshot", zap.String("url", reqURL))
			return resp.Body, nil
		}

		resp.Body.Close()
		if httputil.Retryable(resp.StatusCode) {
			lastErr = transient("source returned HTTP %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, permanent("source rejected request: HTTP %d", resp.StatusCode)
		}
		return nil, permanent("source returned HTTP %d", resp.StatusCode)
	}

	return nil, &FetchError{
		Kind: KindTransient,
		Err:  fmt.Errorf("after %d attempts: %w", f.cfg.MaxRetries+1, lastErr),
	}
}

// streamTSV reads the tab-separated snapshot. The first non-empty line is
// the column header; every following line is one publication record.
func (f *Fetcher) streamTSV(ctx context.Context, body io.Reader, cursor int, fn func(types.RawRecord) error) (int, error) {
	scanner := bufio.NewScanner(body)
	// Abstracts can push a row well past the default token size.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	header := ""
	index := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if header == "" {
			header = line
			continue
		}

		if index >= cursor {
			select {
			case <-ctx.Done():
				return index, ctx.Err()
			default:
			}
			err := fn(types.RawRecord{
				Format:  types.FormatTSV,
				Header:  header,
				Payload: line,
				Cursor:  index,
			})
			if err != nil {
				return index, err
			}
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		return index, transient("reading snapshot: %v", err)
	}
	if header == "" {
		return index, permanent("malformed response: no header row")
	}
	return index, nil
}

// streamXML reads the pseudo-XML snapshot, delivering each <publication>
// element as one raw record.
func (f *Fetcher) streamXML(ctx context.Context, body io.Reader, cursor int, fn func(types.RawRecord) error) (int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var block []string
	inRecord := false
	sawAny := false
	index := 0

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "<publication>") {
			inRecord = true
			sawAny = true
			block = block[:0]
		}
		if inRecord {
			block = append(block, line)
		}
		if strings.HasPrefix(trimmed, "</publication>") && inRecord {
			inRecord = false
			if index >= cursor {
				select {
				case <-ctx.Done():
					return index, ctx.Err()
				default:
				}
				err := fn(types.RawRecord{
					Format:  types.FormatXML,
					Payload: strings.Join(block, "\n"),
					Cursor:  index,
				})
				if err != nil {
					return index, err
				}
			}
			index++
		}
	}
	if err := scanner.Err(); err != nil {
		return index, transient("reading snapshot: %v", err)
	}
	if inRecord {
		return index, permanent("malformed response: unterminated publication element")
	}
	if !sawAny {
		return index, permanent("malformed response: no publication elements")
	}
	return index, nil
}
