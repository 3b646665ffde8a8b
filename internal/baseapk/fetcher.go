// Package baseapk acquires and tracks the base APK artifact that every
// build starts from.
package baseapk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apkforge/apkforge/internal/resilience"
)

// htmlProbeLimit bounds how much of an HTML interstitial page is read when
// deciding whether the source requires a download confirmation round trip.
const htmlProbeLimit = 1 << 20

// Info describes the base APK currently on disk
type Info struct {
	Path      string
	Size      int64
	SHA256    string
	FetchedAt time.Time
}

// Fetcher downloads the base APK from its source URL and keeps it on disk.
// Google Drive share links are handled, including the confirmation token
// page Drive serves for large files.
type Fetcher struct {
	sourceURL  string
	path       string
	httpClient *http.Client
	retry      *resilience.RetryPolicy
	breaker    *resilience.CircuitBreaker
	logger     *logrus.Logger
	mu         sync.Mutex
	info       *Info
}

// NewFetcher creates a new base APK fetcher
func NewFetcher(sourceURL, path string, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	// Drive's confirmation flow depends on cookies surviving between the
	// probe request and the confirmed request.
	jar, _ := cookiejar.New(nil)

	return &Fetcher{
		sourceURL: sourceURL,
		path:      path,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Minute,
		},
		retry:   resilience.NewRetryPolicy("base-apk-download", nil),
		breaker: resilience.NewCircuitBreaker("base-apk-source", nil),
		logger:  logger,
	}
}

// WithHTTPClient replaces the HTTP client, keeping the cookie jar if the
// replacement has none
func (f *Fetcher) WithHTTPClient(client *http.Client) *Fetcher {
	if client.Jar == nil {
		client.Jar = f.httpClient.Jar
	}
	f.httpClient = client
	return f
}

// WithRetryPolicy replaces the download retry policy
func (f *Fetcher) WithRetryPolicy(policy *resilience.RetryPolicy) *Fetcher {
	f.retry = policy
	return f
}

// Path returns the local path of the base APK
func (f *Fetcher) Path() string {
	return f.path
}

// Info returns details of the base APK on disk, or nil before the first
// successful Ensure
func (f *Fetcher) Info() *Info {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.info == nil {
		return nil
	}
	info := *f.info
	return &info
}

// Ensure makes the base APK available locally, downloading it only when it
// is not already on disk
func (f *Fetcher) Ensure(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if stat, err := os.Stat(f.path); err == nil {
		f.logger.WithFields(logrus.Fields{
			"path": f.path,
			"size": stat.Size(),
		}).Info("Base APK already exists")

		if f.info == nil {
			if err := f.recordInfo(stat.Size()); err != nil {
				return "", err
			}
		}
		return f.path, nil
	}

	if f.sourceURL == "" {
		return "", fmt.Errorf("base APK %s not found and no source URL configured (APK_URL)", f.path)
	}

	if err := f.fetch(ctx); err != nil {
		return "", err
	}
	return f.path, nil
}

// Refresh forces a re-download of the base APK
func (f *Fetcher) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sourceURL == "" {
		return fmt.Errorf("no source URL configured (APK_URL)")
	}
	return f.fetch(ctx)
}

// fetch downloads through the retry policy and circuit breaker; callers
// must hold the mutex
func (f *Fetcher) fetch(ctx context.Context) error {
	if !f.breaker.AllowRequest() {
		return fmt.Errorf("base APK source unavailable: %w", resilience.ErrCircuitBreakerOpen)
	}

	err := f.retry.Execute(ctx, func(ctx context.Context) error {
		return f.download(ctx)
	})
	if err != nil {
		f.breaker.RecordFailure()
		return fmt.Errorf("failed to download base APK: %w", err)
	}

	f.breaker.RecordSuccess()
	return nil
}

// download performs one download attempt: probe the source, follow the
// Drive confirmation flow if needed, stream to a temp file and rename into
// place so a crash never leaves a truncated base APK behind.
func (f *Fetcher) download(ctx context.Context) error {
	f.logger.WithField("url", f.sourceURL).Info("Downloading base APK")

	resp, err := f.get(ctx, f.sourceURL)
	if err != nil {
		return err
	}

	if isHTML(resp) {
		confirmed, err := f.confirmDownload(ctx, resp)
		if err != nil {
			return err
		}
		resp = confirmed
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create base APK directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".base-apk-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write base APK: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to move base APK into place: %w", err)
	}

	if err := f.recordInfo(size); err != nil {
		return err
	}

	f.logger.WithFields(logrus.Fields{
		"path": f.path,
		"size": size,
	}).Info("Base APK downloaded successfully")

	return nil
}

// confirmDownload handles the Google Drive large-file interstitial: the
// first response is an HTML page, the confirmation token arrives in a
// download_warning cookie and the file ID rides on the original URL.
func (f *Fetcher) confirmDownload(ctx context.Context, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, htmlProbeLimit))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmation page: %w", err)
	}

	if !strings.Contains(strings.ToLower(string(body)), "confirm") {
		return nil, fmt.Errorf("source returned HTML instead of an APK")
	}

	token := ""
	for _, cookie := range resp.Cookies() {
		if strings.HasPrefix(cookie.Name, "download_warning") {
			token = cookie.Value
			break
		}
	}
	if token == "" {
		// Some Drive responses carry the token in the jar rather than on
		// this response.
		if u, err := url.Parse(f.sourceURL); err == nil {
			for _, cookie := range f.httpClient.Jar.Cookies(u) {
				if strings.HasPrefix(cookie.Name, "download_warning") {
					token = cookie.Value
					break
				}
			}
		}
	}
	if token == "" {
		return nil, fmt.Errorf("download confirmation required but no token found")
	}

	fileID := driveFileID(f.sourceURL)
	if fileID == "" {
		return nil, fmt.Errorf("download confirmation required but source URL has no file id")
	}

	confirmURL, err := url.Parse(f.sourceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	q := confirmURL.Query()
	q.Set("confirm", token)
	q.Set("id", fileID)
	confirmURL.RawQuery = q.Encode()

	f.logger.Debug("Following download confirmation")

	confirmed, err := f.get(ctx, confirmURL.String())
	if err != nil {
		return nil, err
	}
	if isHTML(confirmed) {
		confirmed.Body.Close()
		return nil, fmt.Errorf("source still returned HTML after confirmation")
	}
	return confirmed, nil
}

// get issues a GET and turns non-2xx statuses into errors
func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s from base APK source", resp.Status)
	}
	return resp, nil
}

// recordInfo hashes the file on disk and stores its details; callers must
// hold the mutex
func (f *Fetcher) recordInfo(size int64) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open base APK: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return fmt.Errorf("failed to hash base APK: %w", err)
	}

	f.info = &Info{
		Path:      f.path,
		Size:      size,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		FetchedAt: time.Now(),
	}
	return nil
}

// isHTML reports whether a response looks like an interstitial page rather
// than APK bytes
func isHTML(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/html")
}

// driveFileID extracts the file id from a Drive share URL
func driveFileID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if id := u.Query().Get("id"); id != "" {
		return id
	}
	// uc?export=download&id=... is the common shape, but /file/d/<id>/view
	// links show up too.
	parts := strings.Split(u.Path, "/")
	for i, part := range parts {
		if part == "d" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
