package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/geoyee/tilevault/internal/client"
	"github.com/geoyee/tilevault/internal/util"
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// URLTemplate contains {z}, {x}, {y} or {-y}.
	URLTemplate string
	// RateLimit is the maximum number of requests per second; 0 disables limiting.
	RateLimit int
	// Retries is the number of extra attempts on network errors.
	Retries     int
	MinFileSize int64
	MaxFileSize int64
}

// HTTPSource fetches tiles from an XYZ/TMS tile server.
type HTTPSource struct {
	client  *client.HTTPClient
	opts    HTTPOptions
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewHTTPSource(c *client.HTTPClient, opts HTTPOptions, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPSource{client: c, opts: opts, logger: logger.Named("http-source")}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}
	return s
}

// Fetch downloads tile (row, col) at zoom. 404 and 204 responses mean the tile is absent.
func (s *HTTPSource) Fetch(ctx context.Context, row, col, zoom int) ([]byte, error) {
	url := util.GetTileURL(s.opts.URLTemplate, col, row, zoom)

	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := min(time.Duration(1<<uint(attempt-1))*500*time.Millisecond, 30*time.Second)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		data, err := s.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isNetworkError(err.Error()) {
			break
		}
		s.logger.Debug("retrying tile", zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func (s *HTTPSource) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	resp, err := s.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer client.SafeCloseResponse(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if s.opts.MaxFileSize > 0 {
		body = io.LimitReader(resp.Body, s.opts.MaxFileSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if s.opts.MaxFileSize > 0 && int64(len(data)) > s.opts.MaxFileSize {
		return nil, fmt.Errorf("file size exceeds limit: %d", s.opts.MaxFileSize)
	}
	if !util.ValidateFileFormat(data, s.opts.MinFileSize, s.opts.MaxFileSize) {
		return nil, fmt.Errorf("invalid file format")
	}
	return data, nil
}

func isNetworkError(errStr string) bool {
	lowerErr := strings.ToLower(errStr)
	return strings.Contains(lowerErr, "timeout") ||
		strings.Contains(lowerErr, "connection") ||
		strings.Contains(lowerErr, "network") ||
		strings.Contains(lowerErr, "http 5")
}
