package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "viewsical/internal/log"
	"viewsical/internal/model"
)

// maxDocumentBytes caps the size of a fetched record document.
const maxDocumentBytes = 16 << 20

// ErrNotRecordDocument is returned when a source answers with a media type
// that cannot hold a record document, such as an HTML login page.
var ErrNotRecordDocument = errors.New("response is not a record document")

// FetchResult is the outcome of fetching one record document.
type FetchResult struct {
	URL       string
	Body      []byte
	Records   []model.SourceRecord
	FromCache bool // true when the document came from disk (304 or fallback)
}

// cacheEntry holds HTTP validators for a single URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	MediaType    string    `json:"media_type,omitempty"`
	Records      int       `json:"records"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads record documents with conditional requests
// (ETag / Last-Modified). Only documents that decode are cached, so an
// upstream outage or a broken document keeps serving the last good records.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher storing its cache below cacheDir. A nil
// client gets a 15s timeout client.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/source-cache"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch downloads and decodes the record document at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	if rawURL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	logURL := redactURL(rawURL)

	cachePath := f.cachePathForURL(rawURL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, fmt.Errorf("create cache dir: %w", err)
	}
	last := f.lastGood(cachePath, rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, text/yaml;q=0.9, */*;q=0.1")
	if last != nil {
		if last.meta.ETag != "" {
			req.Header.Set("If-None-Match", last.meta.ETag)
		}
		if last.meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", last.meta.LastModified)
		}
	}

	// fallback serves the last good document when there is one.
	fallback := func(msg string, cause error) (FetchResult, error) {
		if last == nil {
			return FetchResult{}, cause
		}
		appLog.Warn(msg+"; serving last good document", "url", logURL, "records", len(last.result.Records), "err", cause)
		return last.result, nil
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback("record source unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		mediaType, err := documentMediaType(resp.Header.Get("Content-Type"))
		if err != nil {
			return fallback("record source returned an unexpected media type", err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
		if err != nil {
			return fallback("record document read failed", err)
		}
		if len(body) > maxDocumentBytes {
			return fallback("record document too large", fmt.Errorf("document exceeds %d bytes", maxDocumentBytes))
		}

		records, err := decodeBytes(body)
		if err != nil {
			return fallback("record document rejected", err)
		}

		entry := cacheEntry{
			URL:          rawURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			MediaType:    mediaType,
			Records:      len(records),
		}
		if err := saveCache(cachePath, entry, body); err != nil {
			appLog.Error("record document cache save failed", err, "url", logURL)
		}

		appLog.Info("record document fetched", "url", logURL, "records", len(records), "bytes", len(body))
		return FetchResult{URL: rawURL, Body: body, Records: records}, nil

	case http.StatusNotModified:
		if last == nil {
			return FetchResult{}, errors.New("received 304 Not Modified without a cached record document")
		}
		appLog.Debug("record document unchanged", "url", logURL, "records", len(last.result.Records))
		return last.result, nil

	default:
		return fallback("record source answered "+resp.Status, fmt.Errorf("unexpected status %s", resp.Status))
	}
}

// documentMediaType accepts the media types a record document is served
// with. A missing Content-Type is accepted and left to the decoder.
func documentMediaType(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotRecordDocument, header)
	}
	switch {
	case mediaType == "application/json",
		mediaType == "application/yaml",
		mediaType == "application/x-yaml",
		mediaType == "text/yaml",
		mediaType == "text/x-yaml",
		mediaType == "text/plain",
		mediaType == "application/octet-stream",
		strings.HasSuffix(mediaType, "+json"),
		strings.HasSuffix(mediaType, "+yaml"):
		return mediaType, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotRecordDocument, mediaType)
}

// cachedDocument is a previously fetched document that still decodes.
type cachedDocument struct {
	meta   cacheEntry
	result FetchResult
}

func (f *Fetcher) lastGood(cachePath, rawURL string) *cachedDocument {
	body, err := os.ReadFile(filepath.Join(cachePath, "body"))
	if err != nil || len(body) == 0 {
		return nil
	}
	records, err := decodeBytes(body)
	if err != nil {
		appLog.Warn("cached record document no longer decodes; ignoring it", "url", redactURL(rawURL), "err", err)
		return nil
	}
	meta, _ := loadCacheMeta(cachePath)
	return &cachedDocument{
		meta:   meta,
		result: FetchResult{URL: rawURL, Body: body, Records: records, FromCache: true},
	}
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
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

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host so tokens in paths or queries stay
// out of the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "source://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
