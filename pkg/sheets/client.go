package sheets

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"leadsync/pkg/logger"
	"leadsync/pkg/metrics"
)

// RowWriter is the logical sink surface: verify a sheet exists with its
// header, append a row capturing the resulting index, update a row in place.
type RowWriter interface {
	EnsureSheet(ctx context.Context, name string, header []any) error
	AppendRow(ctx context.Context, name string, values []any) (int64, error)
	UpdateRow(ctx context.Context, name string, row int64, values []any) error
}

// Client is a rate-limited Google Sheets v4 RowWriter with capped retry on
// rate-limit responses and a TTL cache for sheet/header verification.
type Client struct {
	svc           *gsheets.Service
	spreadsheetID string
	limiter       *rate.Limiter
	maxRetries    int
	headerTTL     time.Duration

	mu       sync.Mutex
	verified map[string]time.Time
}

type ClientOptions struct {
	SpreadsheetID   string
	CredentialsFile string
	RPS             float64
	Burst           int
	MaxRetries      int
	HeaderTTL       time.Duration
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id not configured")
	}
	svcOpts := []option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}
	if opts.CredentialsFile != "" {
		svcOpts = append(svcOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	svc, err := gsheets.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 2
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.HeaderTTL <= 0 {
		opts.HeaderTTL = 5 * time.Minute
	}
	return &Client{
		svc:           svc,
		spreadsheetID: opts.SpreadsheetID,
		limiter:       rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		maxRetries:    opts.MaxRetries,
		headerTTL:     opts.HeaderTTL,
		verified:      map[string]time.Time{},
	}, nil
}

// EnsureSheet verifies the named sheet exists and carries the header row,
// creating either as needed. Verification results are cached for the TTL so
// steady-state syncs cost no extra API calls.
func (c *Client) EnsureSheet(ctx context.Context, name string, header []any) error {
	c.mu.Lock()
	if t, ok := c.verified[name]; ok && time.Since(t) < c.headerTTL {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	meta, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read spreadsheet metadata: %w", err)
	}
	exists := false
	for _, sh := range meta.Sheets {
		if sh.Properties != nil && sh.Properties.Title == name {
			exists = true
			break
		}
	}
	if !exists {
		logger.Info("creating_sheet", "sheet", name)
		req := &gsheets.BatchUpdateSpreadsheetRequest{
			Requests: []*gsheets.Request{{
				AddSheet: &gsheets.AddSheetRequest{
					Properties: &gsheets.SheetProperties{Title: name},
				},
			}},
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	vr, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, name+"!1:1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read header row: %w", err)
	}
	if len(vr.Values) == 0 || len(vr.Values[0]) == 0 {
		logger.Info("writing_sheet_header", "sheet", name)
		body := &gsheets.ValueRange{Values: [][]any{header}}
		err := c.withRetry(ctx, func() error {
			_, err := c.svc.Spreadsheets.Values.
				Update(c.spreadsheetID, name+"!A1", body).
				ValueInputOption("RAW").
				Context(ctx).Do()
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to write header row: %w", err)
		}
	}

	c.mu.Lock()
	c.verified[name] = time.Now()
	c.mu.Unlock()
	return nil
}

// AppendRow appends one row and returns its 1-based row index, parsed from
// the API's updated range.
func (c *Client) AppendRow(ctx context.Context, name string, values []any) (int64, error) {
	body := &gsheets.ValueRange{Values: [][]any{values}}
	var row int64
	err := c.withRetry(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := c.svc.Spreadsheets.Values.
			Append(c.spreadsheetID, name+"!A1", body).
			ValueInputOption("USER_ENTERED").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).Do()
		if err != nil {
			return err
		}
		if resp.Updates == nil || resp.Updates.UpdatedRange == "" {
			return fmt.Errorf("append response carried no updated range")
		}
		r, perr := rowFromRange(resp.Updates.UpdatedRange)
		if perr != nil {
			return perr
		}
		row = r
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.SheetAppends.Inc()
	logger.Info("sheet_row_appended", "sheet", name, "row", row)
	return row, nil
}

// UpdateRow rewrites the given 1-based row in place, full width.
func (c *Client) UpdateRow(ctx context.Context, name string, row int64, values []any) error {
	if row <= 0 {
		return fmt.Errorf("invalid row index %d", row)
	}
	body := &gsheets.ValueRange{Values: [][]any{values}}
	err := c.withRetry(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.svc.Spreadsheets.Values.
			Update(c.spreadsheetID, fmt.Sprintf("%s!A%d", name, row), body).
			ValueInputOption("USER_ENTERED").
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}
	metrics.SheetUpdates.Inc()
	logger.Info("sheet_row_updated", "sheet", name, "row", row)
	return nil
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	waits := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRateLimited(err) || attempt == c.maxRetries-1 {
			return err
		}
		metrics.SheetRetries.Inc()
		wait := waits[len(waits)-1]
		if attempt < len(waits) {
			wait = waits[attempt]
		}
		logger.Warn("sheet_rate_limited", "attempt", attempt+1, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isRateLimited(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 429
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// rowFromRange extracts the row index from a range like "Leads!A42:W42".
func rowFromRange(rng string) (int64, error) {
	if i := strings.Index(rng, "!"); i >= 0 {
		rng = rng[i+1:]
	}
	if i := strings.Index(rng, ":"); i >= 0 {
		rng = rng[:i]
	}
	digits := strings.TrimLeftFunc(rng, func(r rune) bool {
		return r < '0' || r > '9'
	})
	row, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || row <= 0 {
		return 0, fmt.Errorf("unparseable updated range %q", rng)
	}
	return row, nil
}
