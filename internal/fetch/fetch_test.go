// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

func init() {
	// Use a tiny base delay so retry tests finish quickly.
	backoffBase = 1 * time.Millisecond
}

const tsvSnapshot = "" +
	"publication id (UKB internal)\ttitle\tDOI\n" +
	"1\tFirst paper\t10.1/a\n" +
	"2\tSecond paper\t10.1/b\n" +
	"3\tThird paper\t10.1/c\n"

func testFetcher(url string, format types.RawFormat) *Fetcher {
	return New(types.FetchConfig{
		SourceURL: url,
		Format:    format,
		RateLimit: 1000, // keep tests fast
	}, nil)
}

func collect(t *testing.T, f *Fetcher, cursor int) ([]types.RawRecord, int, error) {
	t.Helper()
	var got []types.RawRecord
	next, err := f.Fetch(context.Background(), cursor, func(raw types.RawRecord) error {
		got = append(got, raw)
		return nil
	})
	return got, next, err
}

func TestFetchTSV(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tsvSnapshot)
	}))
	defer ts.Close()

	got, next, err := collect(t, testFetcher(ts.URL, types.FormatTSV), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, next)

	assert.Equal(t, types.FormatTSV, got[0].Format)
	assert.Equal(t, "publication id (UKB internal)\ttitle\tDOI", got[0].Header)
	assert.Equal(t, "1\tFirst paper\t10.1/a", got[0].Payload)
	assert.Equal(t, 0, got[0].Cursor)
	assert.Equal(t, 2, got[2].Cursor)
}

func TestFetchRequestParameters(t *testing.T) {
	var gotQuery map[string][]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, tsvSnapshot)
	}))
	defer ts.Close()

	f := New(types.FetchConfig{
		SourceURL: ts.URL,
		Query:     "hypertension",
		DateFrom:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		DateTo:    time.Date(2021, 6, 30, 0, 0, 0, 0, time.UTC),
		RateLimit: 1000,
	}, nil)

	_, _, err := collect(t, f, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"19"}, gotQuery["id"])
	assert.Equal(t, []string{"txt"}, gotQuery["fmt"])
	assert.Equal(t, []string{"hypertension"}, gotQuery["srch"])
	assert.Equal(t, []string{"2020-01-01"}, gotQuery["from"])
	assert.Equal(t, []string{"2021-06-30"}, gotQuery["to"])
}

func TestFetchResumesFromCursor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tsvSnapshot)
	}))
	defer ts.Close()

	got, next, err := collect(t, testFetcher(ts.URL, types.FormatTSV), 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, next)
	assert.Equal(t, "3\tThird paper\t10.1/c", got[0].Payload)
	assert.Equal(t, 2, got[0].Cursor)
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, tsvSnapshot)
	}))
	defer ts.Close()

	got, _, err := collect(t, testFetcher(ts.URL, types.FormatTSV), 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchExhaustsRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, _, err := collect(t, testFetcher(ts.URL, types.FormatTSV), 0)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindTransient, fe.Kind)
	assert.False(t, IsPermanent(err))
	// 1 initial + 3 default retries.
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestFetchPermanentOnAuthFailure(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	_, _, err := collect(t, testFetcher(ts.URL, types.FormatTSV), 0)
	assert.True(t, IsPermanent(err))
	// Permanent failures are not retried.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchMalformedSnapshot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "\n\n")
	}))
	defer ts.Close()

	_, _, err := collect(t, testFetcher(ts.URL, types.FormatTSV), 0)
	assert.True(t, IsPermanent(err))
	assert.ErrorContains(t, err, "no header row")
}

func TestFetchCallbackErrorAbortsUnwrapped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tsvSnapshot)
	}))
	defer ts.Close()

	sentinel := errors.New("stop here")
	count := 0
	_, err := testFetcher(ts.URL, types.FormatTSV).Fetch(context.Background(), 0,
		func(types.RawRecord) error {
			count++
			return sentinel
		})
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, count)
}

const xmlSnapshot = `<publications>
<publication>
  <ukb_id>1</ukb_id>
  <title>First paper</title>
</publication>
<publication>
  <ukb_id>2</ukb_id>
  <title>Second paper</title>
</publication>
</publications>`

func TestFetchXML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, xmlSnapshot)
	}))
	defer ts.Close()

	got, next, err := collect(t, testFetcher(ts.URL, types.FormatXML), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, next)

	assert.Equal(t, types.FormatXML, got[0].Format)
	assert.Contains(t, got[0].Payload, "<title>First paper</title>")
	assert.Contains(t, got[1].Payload, "<ukb_id>2</ukb_id>")
	assert.Equal(t, 1, got[1].Cursor)
}

func TestFetchXMLUnterminated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<publication>\n<title>Broken</title>\n")
	}))
	defer ts.Close()

	_, _, err := collect(t, testFetcher(ts.URL, types.FormatXML), 0)
	assert.True(t, IsPermanent(err))
	assert.ErrorContains(t, err, "unterminated")
}

func TestFetchXMLNoRecords(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<publications></publications>\n")
	}))
	defer ts.Close()

	_, _, err := collect(t, testFetcher(ts.URL, types.FormatXML), 0)
	assert.True(t, IsPermanent(err))
}

func TestFetchContextCancelledMidStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tsvSnapshot)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	_, err := testFetcher(ts.URL, types.FormatTSV).Fetch(ctx, 0, func(types.RawRecord) error {
		count++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, count)
}
