package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pagedServer serves total synthetic rows in pages of at most limit.
func pagedServer(t *testing.T, total int, requests *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			atomic.AddInt32(requests, 1)
		}
		require.Equal(t, "/resource/j8mb-icvb.json", r.URL.Path)

		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("$limit"))

		rows := []map[string]string{}
		for i := offset; i < total && i < offset+limit; i++ {
			rows = append(rows, map[string]string{
				"state":                  "CA",
				"overall_outcome":        "Positive",
				"date":                   "2020-03-01T00:00:00.000",
				"new_results_reported":   strconv.Itoa(i),
				"total_results_reported": strconv.Itoa(i),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}))
}

func newTestClient(baseURL string) *Client {
	c := NewClient(Config{BaseURL: baseURL, Dataset: "j8mb-icvb", PageSize: 1000, Timeout: 5 * time.Second})
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestFetchAll_Pagination(t *testing.T) {
	var requests int32
	srv := pagedServer(t, 2400, &requests)
	defer srv.Close()

	rows, err := newTestClient(srv.URL).FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2400)
	require.EqualValues(t, 3, atomic.LoadInt32(&requests))

	// Natural order is preserved across pages.
	for i, r := range rows {
		require.EqualValues(t, i, *r.NewResultsReported)
	}
}

func TestFetchAll_ExactMultipleFetchesTrailingEmptyPage(t *testing.T) {
	var requests int32
	srv := pagedServer(t, 2000, &requests)
	defer srv.Close()

	rows, err := newTestClient(srv.URL).FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2000)
	require.EqualValues(t, 3, atomic.LoadInt32(&requests))
}

func TestFetchAll_Empty(t *testing.T) {
	var requests int32
	srv := pagedServer(t, 0, &requests)
	defer srv.Close()

	rows, err := newTestClient(srv.URL).FetchAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, rows)
	require.EqualValues(t, 1, atomic.LoadInt32(&requests))
}

func TestFetchPage_SendsQueryAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2000", r.URL.Query().Get("$offset"))
		require.Equal(t, "1000", r.URL.Query().Get("$limit"))
		require.Equal(t, "token-123", r.Header.Get("X-App-Token"))
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.cfg.AppToken = "token-123"
	_, err := c.FetchPage(context.Background(), 2000)
	require.NoError(t, err)
}

func TestFetchPage_RetriesThrottled(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[{"state":"NY"}]`)
	}))
	defer srv.Close()

	rows, err := newTestClient(srv.URL).FetchPage(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "NY", rows[0].State)
	require.EqualValues(t, 2, atomic.LoadInt32(&requests))
}

func TestFetchPage_GivesUpAfterMaxAttempts(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchPage(context.Background(), 0)
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.EqualValues(t, maxAttempts, atomic.LoadInt32(&requests))
}

func TestFetchPage_ClientErrorNotRetried(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "dataset not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchAll(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "404")
	require.EqualValues(t, 1, atomic.LoadInt32(&requests))
}

func TestFetchPage_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": true`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchPage(context.Background(), 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode page")
}

func TestFetchAll_ContextCancelled(t *testing.T) {
	srv := pagedServer(t, 10, nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(srv.URL).FetchAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryAfter(t *testing.T) {
	require.Equal(t, 3*time.Second, retryAfter("3", 0))
	require.Equal(t, time.Duration(0), retryAfter("0", 0))
	require.Equal(t, 2*time.Second, retryAfter("", 0))
	require.Equal(t, 4*time.Second, retryAfter("soon", 1))

	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	require.Equal(t, time.Duration(0), retryAfter(past, 0))
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{BaseURL: "https://healthdata.gov/", Dataset: "j8mb-icvb"})
	require.Equal(t, 1000, c.PageSize())
	require.Equal(t, "https://healthdata.gov/resource/j8mb-icvb.json", c.ResourceURL())
	require.Equal(t, 60*time.Second, c.http.Timeout)
}
