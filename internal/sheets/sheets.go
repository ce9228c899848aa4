// Package sheets appends transfer numbers to a Google spreadsheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// DefaultRange is the column scanned to find the next free row
const DefaultRange = "A:A"

const requestTimeout = 15 * time.Second

// Kind classifies a sync failure
type Kind int

const (
	KindNetwork Kind = iota
	KindAuth
)

func (k Kind) String() string {
	if k == KindAuth {
		return "auth"
	}
	return "network"
}

// SyncError is returned when the spreadsheet cannot be reached or refuses the write
type SyncError struct {
	Kind Kind
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("spreadsheet sync failed (%s): %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Config identifies the target sheet and how to authenticate
type Config struct {
	SpreadsheetID   string
	Range           string
	APIKey          string
	CredentialsFile string
}

// Client writes numbers into the first empty row of a column
type Client struct {
	values        *sheetsapi.SpreadsheetsValuesService
	spreadsheetID string
	readRange     string
	sheetPrefix   string
	column        string
}

// New creates a Client. Extra options are appended after the credentials, so
// tests can point it at a fake endpoint.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if cfg.Range == "" {
		cfg.Range = DefaultRange
	}

	sheetPrefix, column, err := splitRange(cfg.Range)
	if err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := sheetsapi.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}

	return &Client{
		values:        svc.Spreadsheets.Values,
		spreadsheetID: cfg.SpreadsheetID,
		readRange:     cfg.Range,
		sheetPrefix:   sheetPrefix,
		column:        column,
	}, nil
}

// splitRange turns "Sheet1!B:B" into ("Sheet1!", "B")
func splitRange(r string) (string, string, error) {
	var prefix string
	if i := strings.LastIndex(r, "!"); i >= 0 {
		prefix, r = r[:i+1], r[i+1:]
	}
	col, _, _ := strings.Cut(r, ":")
	col = strings.TrimRight(col, "0123456789")
	if col == "" {
		return "", "", fmt.Errorf("invalid sheet range %q", prefix+r)
	}
	return prefix, strings.ToUpper(col), nil
}

// AppendNumber writes number into the row after the last filled one and returns that row
func (c *Client) AppendNumber(ctx context.Context, number string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	existing, err := c.values.Get(c.spreadsheetID, c.readRange).Context(ctx).Do()
	if err != nil {
		return 0, classify(fmt.Errorf("reading %s: %w", c.readRange, err))
	}

	row := len(existing.Values) + 1
	target := fmt.Sprintf("%s%s%d", c.sheetPrefix, c.column, row)

	body := &sheetsapi.ValueRange{
		Values: [][]interface{}{{number}},
	}
	// RAW stores the number as text so leading zeros survive
	_, err = c.values.Update(c.spreadsheetID, target, body).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return 0, classify(fmt.Errorf("writing %s: %w", target, err))
	}

	return row, nil
}

func classify(err error) *SyncError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			return &SyncError{Kind: KindAuth, Err: err}
		}
	}
	return &SyncError{Kind: KindNetwork, Err: err}
}
