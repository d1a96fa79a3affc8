package finder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	sourceRetryBase = 500 * time.Millisecond
	maxSourceBody   = 8 << 20
)

// ErrUnrecognizedPayload indicates a source response in none of the known
// shapes.
var ErrUnrecognizedPayload = errors.New("unrecognized source payload shape")

// parseSourcePayload extracts relay URL strings from the JSON shapes the
// public relay directories serve: a plain array of strings, an array of
// objects with a url field, or either of those wrapped in a relays key.
func parseSourcePayload(payload []byte) ([]string, error) {
	var urls []string
	if err := json.Unmarshal(payload, &urls); err == nil {
		return urls, nil
	}

	var objects []struct {
		URL string `json:"url"`
	}

	if err := json.Unmarshal(payload, &objects); err == nil {
		urls = make([]string, 0, len(objects))

		for _, object := range objects {
			if object.URL != "" {
				urls = append(urls, object.URL)
			}
		}

		return urls, nil
	}

	var wrapper struct {
		Relays json.RawMessage `json:"relays"`
	}

	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Relays != nil {
		return parseSourcePayload(wrapper.Relays)
	}

	return nil, ErrUnrecognizedPayload
}

// scanSources fetches every configured source and streams the URLs it
// yields. Individual source failures are logged and counted, never fatal;
// only cancellation stops the scan early.
func (f *Finder) scanSources(ctx context.Context, found chan<- foundURL) {
	if len(f.cfg.Sources) == 0 {
		return
	}

	client := &http.Client{Timeout: f.cfg.SourceTimeout.Std()}
	limiter := rate.NewLimiter(rate.Limit(f.cfg.RateLimit), f.cfg.RateBurst)

	for _, source := range f.cfg.Sources {
		urls, err := f.fetchSource(ctx, client, limiter, source)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			f.metrics.Error("source_fetch")
			f.logger.Warn("source scan failed",
				slog.String("source", source),
				slog.String("error", err.Error()),
			)

			continue
		}

		f.logger.Debug("source scanned",
			slog.String("source", source),
			slog.Int("urls", len(urls)),
		)

		for _, raw := range urls {
			select {
			case found <- foundURL{url: raw, source: sourceAPI}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fetchSource requests one source with the shared limiter, retrying
// failures with capped exponential backoff.
func (f *Finder) fetchSource(ctx context.Context, client *http.Client, limiter *rate.Limiter, source string) ([]string, error) {
	var lastErr error

	delay := sourceRetryBase

	for attempt := 0; attempt <= f.cfg.SourceRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter interrupted: %w", err)
		}

		urls, err := fetchSourceOnce(ctx, client, source)
		if err == nil {
			return urls, nil
		}

		if ctx.Err() != nil {
			return nil, err
		}

		lastErr = err

		f.logger.Debug("source request failed",
			slog.String("source", source),
			slog.Int("attempt", attempt+1),
			slog.Duration("next_delay", delay),
			slog.String("error", err.Error()),
		)

		if attempt == f.cfg.SourceRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
	}

	return nil, lastErr
}

func fetchSourceOnce(ctx context.Context, client *http.Client, source string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build source request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, source)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read source response: %w", err)
	}

	return parseSourcePayload(payload)
}
