// Package source fetches COVID-19 test result rows from the Socrata open data
// API behind healthdata.gov.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/healthdata-etl/internal/logging"
	"github.com/withObsrvr/healthdata-etl/internal/metrics"
	"github.com/withObsrvr/healthdata-etl/internal/records"
)

// ErrUnexpectedStatus is returned for a non-200 response that is not retried,
// or for a throttled/5xx response once transport retries are exhausted.
var ErrUnexpectedStatus = errors.New("unexpected http status")

const (
	defaultPageSize = 1000
	defaultTimeout  = 60 * time.Second
	maxAttempts     = 3
	userAgent       = "healthdata-etl/1.0"
)

// Config configures the Socrata client.
type Config struct {
	BaseURL  string
	Dataset  string
	AppToken string
	PageSize int
	Timeout  time.Duration
}

// Client pages through a Socrata dataset.
type Client struct {
	cfg   Config
	http  *http.Client
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient returns a client for cfg, filling in defaults for zero values.
func NewClient(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   logging.Component("source"),
		sleep: sleepCtx,
	}
}

// ResourceURL returns the JSON endpoint for the configured dataset.
func (c *Client) ResourceURL() string {
	return fmt.Sprintf("%s/resource/%s.json", c.cfg.BaseURL, c.cfg.Dataset)
}

// PageSize returns the number of rows requested per page.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// FetchAll fetches every row of the dataset in the API's natural order.
// Pages are requested sequentially at increasing offsets; the first page
// shorter than the page size ends the loop.
func (c *Client) FetchAll(ctx context.Context) ([]records.RawRecord, error) {
	var all []records.RawRecord
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.FetchPage(ctx, offset)
		if err != nil {
			return nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}
		all = append(all, page...)

		c.log.Debug("fetched page", "offset", offset, "rows", len(page), "total", len(all))

		if len(page) < c.cfg.PageSize {
			break
		}
		offset += c.cfg.PageSize
	}

	c.log.Info("fetch complete", "dataset", c.cfg.Dataset, "rows", len(all))
	return all, nil
}

// FetchPage fetches up to PageSize rows starting at offset.
func (c *Client) FetchPage(ctx context.Context, offset int) ([]records.RawRecord, error) {
	q := url.Values{}
	q.Set("$offset", strconv.Itoa(offset))
	q.Set("$limit", strconv.Itoa(c.cfg.PageSize))

	body, err := c.getJSON(ctx, c.ResourceURL()+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var page []records.RawRecord
	if err := json.Unmarshal(body, &page); err != nil {
		metrics.Get().IncHTTPErrors("decode")
		return nil, fmt.Errorf("decode page: %w", err)
	}
	metrics.Get().IncPagesFetched()
	return page, nil
}

// getJSON performs a GET, retrying 429 and 5xx responses in place. Network
// errors and other statuses are returned immediately.
func (c *Client) getJSON(ctx context.Context, fullURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		if c.cfg.AppToken != "" {
			req.Header.Set("X-App-Token", c.cfg.AppToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.Get().IncHTTPErrors("network")
			return nil, fmt.Errorf("request: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			class := "5xx"
			if resp.StatusCode == http.StatusTooManyRequests {
				class = "429"
			}
			metrics.Get().IncHTTPErrors(class)

			lastErr = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
			if attempt == maxAttempts-1 {
				break
			}

			wait := retryAfter(resp.Header.Get("Retry-After"), attempt)
			c.log.Warn("throttled by source, retrying",
				"status", resp.StatusCode, "attempt", attempt+1, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				metrics.Get().IncHTTPErrors("4xx")
			}
			return nil, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(b)))
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			metrics.Get().IncHTTPErrors("network")
			return nil, fmt.Errorf("read body: %w", err)
		}
		return raw, nil
	}

	return nil, lastErr
}

// retryAfter interprets a Retry-After header as seconds or an HTTP date,
// falling back to a linear delay.
func retryAfter(header string, attempt int) time.Duration {
	fallback := time.Duration(2*(attempt+1)) * time.Second
	header = strings.TrimSpace(header)
	if header == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
