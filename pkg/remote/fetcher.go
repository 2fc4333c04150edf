package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/replenishly/stocksync/pkg/ratelimit"
	"github.com/replenishly/stocksync/pkg/retry"
)

var tracer = otel.Tracer("stocksync/remote")

const (
	itemsPath         = "/api/inventory/items"
	defaultPageSize   = 200
	defaultMaxRecords = 50000
)

// FetchRequest bounds what a single run pulls from the source. The filter,
// fields, and sizes come from the strategy profile.
type FetchRequest struct {
	// Filter is a server-side record subset (e.g. critical-only). Empty
	// fetches the whole catalog.
	Filter     string
	Fields     []string
	PageSize   int
	MaxRecords int
}

// PageFunc receives the decoded records of one page. Pages stream to the
// callback as they arrive; the fetcher never buffers the full catalog.
type PageFunc func(ctx context.Context, records []map[string]interface{}) error

// Fetcher pulls the catalog page by page. Pagination is sequential because
// each cursor depends on the prior page. Every request passes through the
// shared rate limiter and the shared retry policy.
type Fetcher struct {
	client  *Client
	limiter *ratelimit.Limiter
	retryer *retry.Retryer
}

func NewFetcher(client *Client, limiter *ratelimit.Limiter, retryer *retry.Retryer) *Fetcher {
	if retryer == nil {
		retryer = retry.NewRetryer(retry.RetryConfig{
			Retryable: Retryable,
		})
	}
	return &Fetcher{
		client:  client,
		limiter: limiter,
		retryer: retryer,
	}
}

// Retryable is the fetch-stage retry predicate: transient failures and rate
// limiter backpressure retry, authentication failures never do.
func Retryable(err error) bool {
	if IsAuthError(err) {
		return false
	}
	return IsTransient(err) || errors.Is(err, ratelimit.ErrCapacityExceeded)
}

// FetchPages walks the catalog until a short page signals end-of-data or the
// safety cap is reached. It returns the number of records delivered to fn.
func (f *Fetcher) FetchPages(ctx context.Context, req FetchRequest, fn PageFunc) (int, error) {
	ctx, span := tracer.Start(ctx, "Fetcher.FetchPages")
	defer span.End()

	l := ctxzap.Extract(ctx)

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxRecords := req.MaxRecords
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}

	total := 0
	cursor := ""
	for {
		page, err := f.fetchPage(ctx, cursor, pageSize, req.Filter, req.Fields)
		if err != nil {
			return total, fmt.Errorf("fetching page after %d records: %w", total, err)
		}

		records := page.Records()
		if len(records) > 0 {
			if err := fn(ctx, records); err != nil {
				return total, err
			}
			total += len(records)
		}

		if total >= maxRecords {
			l.Warn("record safety cap reached, stopping fetch",
				zap.Int("total", total),
				zap.Int("max_records", maxRecords),
			)
			return total, nil
		}

		// A short page or a missing cursor means we've drained the catalog.
		if len(records) < pageSize || page.Cursor == "" {
			return total, nil
		}
		cursor = page.Cursor
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, cursor string, pageSize int, filter string, fields []string) (*Page, error) {
	ctx, span := tracer.Start(ctx, "Fetcher.fetchPage")
	defer span.End()

	var page *Page
	err := f.retryer.Do(ctx, func(ctx context.Context) error {
		if err := f.limiter.Acquire(ctx); err != nil {
			return err
		}

		u := f.client.BaseURL().JoinPath(itemsPath)
		q := url.Values{}
		q.Set("pageSize", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		if filter != "" {
			q.Set("filter", filter)
		}
		if len(fields) > 0 {
			q.Set("fields", strings.Join(fields, ","))
		}
		u.RawQuery = q.Encode()

		req, err := f.client.NewRequest(ctx, http.MethodGet, u, WithAcceptJSONHeader())
		if err != nil {
			return err
		}

		p := &Page{}
		if _, err := f.client.Do(req, WithJSONResponse(p)); err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return page, nil
}
