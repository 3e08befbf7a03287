package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stayledger/internal/config"
	appLog "stayledger/internal/log"
)

// maxBodyBytes bounds a single feed download.
const maxBodyBytes = 8 << 20

// Source is one channel feed of a property.
type Source struct {
	// ID is the feed id from configuration (e.g. "airbnb").
	ID string
	// URL is the ICS endpoint. Channel URLs embed private tokens; log via redactURL.
	URL string
}

// FetchResult is the body of one feed and where it came from.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool // body reused after a 304, or stale after a failure
}

// cacheEntry is the meta.json sidecar of a cached feed body.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds with conditional requests (ETag /
// Last-Modified) against a disk cache of the last good body.
type Fetcher struct {
	client     *http.Client
	cacheDir   string
	serveStale bool
	maxBody    int64
}

// NewFetcher creates a Fetcher caching under cacheDir. When serveStale is
// set, a transport error or non-2xx answer falls back to the cached body
// instead of failing the feed.
func NewFetcher(cacheDir string, serveStale bool) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		// Per-fetch deadlines come from the caller's context; this is a backstop.
		client:     &http.Client{Timeout: time.Minute},
		cacheDir:   cacheDir,
		serveStale: serveStale,
		maxBody:    maxBodyBytes,
	}
}

// FetchOne downloads src, sending the cached validators when a body is
// on disk. Every failure is wrapped with ErrFeedUnavailable.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, fmt.Errorf("%w: %s: empty url", ErrFeedUnavailable, src.ID)
	}

	cachePath := f.cachePathForURL(src.URL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, fmt.Errorf("%w: %s: cache dir: %w", ErrFeedUnavailable, src.ID, err)
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %s: %v", ErrFeedUnavailable, src.ID, err)
	}
	req.Header.Set("Accept", "text/calendar")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "feed", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if res, ok := f.stale(src, cachedBody, err); ok {
			return res, nil
		}
		return FetchResult{}, fmt.Errorf("%w: %s: %v", ErrFeedUnavailable, src.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && len(cachedBody) > 0:
		appLog.Debug("ics fetch not modified; using cache", "feed", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
		if err == nil && int64(len(body)) > f.maxBody {
			// A truncated calendar would silently drop blocks.
			err = fmt.Errorf("body exceeds %d bytes", f.maxBody)
		}
		if err != nil {
			if res, ok := f.stale(src, cachedBody, err); ok {
				return res, nil
			}
			return FetchResult{}, fmt.Errorf("%w: %s: read body: %v", ErrFeedUnavailable, src.ID, err)
		}

		if len(strings.TrimSpace(string(body))) > 0 {
			newMeta := cacheEntry{
				URL:          src.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := f.saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("ics cache save failed", err, "feed", src.ID, "url", redactURL(src.URL))
			}
		}

		appLog.Debug("ics fetch success", "feed", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	default:
		err := errors.New(resp.Status)
		if res, ok := f.stale(src, cachedBody, err); ok {
			return res, nil
		}
		return FetchResult{}, fmt.Errorf("%w: %s: %s", ErrFeedUnavailable, src.ID, resp.Status)
	}
}

// stale returns the cached body in place of a failed fetch when allowed.
func (f *Fetcher) stale(src Source, cachedBody []byte, cause error) (FetchResult, bool) {
	if !f.serveStale || len(cachedBody) == 0 {
		return FetchResult{}, false
	}
	appLog.Error("ics fetch failed, serving stale body", cause, "feed", src.ID, "url", redactURL(src.URL))
	return FetchResult{Source: src, Body: cachedBody, FromCache: true}, true
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := config.WriteFileAtomic(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host of a feed URL for logging.
//
//	https://www.airbnb.com/calendar/ical/123.ics?s=secret
//	-> https://www.airbnb.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	// Drop userinfo.
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return u[:i+3] + rest + redactedSuffix
}
