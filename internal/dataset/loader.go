package dataset

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Loader reads tables from local files or http(s) URLs.
type Loader struct {
	client *resty.Client
}

func NewLoader(timeout time.Duration) *Loader {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "text/csv, text/plain, */*")
	return &Loader{client: client}
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func (l *Loader) Load(ctx context.Context, path string) (*Table, error) {
	if path == "" {
		return nil, fmt.Errorf("no data path given")
	}
	if isRemote(path) {
		return l.fetch(ctx, path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	t, err := ParseCSV(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	log.Info().
		Str("file", path).
		Int("rows", len(t.Records)).
		Int("columns", len(t.Header)).
		Msg("CSV data loaded successfully")
	return t, nil
}

func (l *Loader) fetch(ctx context.Context, url string) (*Table, error) {
	resp, err := l.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode())
	}

	t, err := ParseCSV(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", url, err)
	}

	log.Info().
		Str("url", url).
		Int("bytes", len(resp.Body())).
		Int("rows", len(t.Records)).
		Dur("elapsed", resp.Time()).
		Msg("Remote CSV data fetched")
	return t, nil
}
