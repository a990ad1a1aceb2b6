package sync

import (
	"context"
	"crypto/sha1" // #nosec G505 - SHA-1 is what the registry listing provides for verification
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nexsync/nexsync/internal/npm"
)

const (
	pageRetries    = 3
	pageRetryDelay = time.Second
	userAgent      = "nexsync/1.0"
)

// RegistryClient talks to one Nexus-style registry over its REST API.
type RegistryClient struct {
	conn           *Connection
	client         *http.Client
	requestTimeout time.Duration
}

// NewRegistryClient creates a client for conn.  requestTimeout bounds
// metadata requests (listing pages, repository probe); download and
// upload calls carry their own timeouts.
func NewRegistryClient(conn *Connection, requestTimeout time.Duration) *RegistryClient {
	return &RegistryClient{
		conn:           conn,
		client:         clonedTransport(),
		requestTimeout: requestTimeout,
	}
}

func (c *RegistryClient) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.conn.Username != "" {
		req.SetBasicAuth(c.conn.Username, c.conn.Password)
	}
	return req, nil
}

// repositoryInfo mirrors the relevant part of the Nexus repository
// description.
type repositoryInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RepositoryType returns the configured repository's type ("hosted",
// "proxy", ...) as reported by the registry.
func (c *RegistryClient) RepositoryType(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	u := c.conn.Resolve("service/rest/v1/repositories/" + c.conn.Repository)
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "repository type probe")
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("repository type probe: status %d for %s", resp.StatusCode, c.conn.Repository)
	}

	var info repositoryInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", errors.Wrap(err, "repository type probe")
	}
	if info.Type == "" {
		return "", errors.Newf("repository type probe: no type reported for %s", c.conn.Repository)
	}
	return info.Type, nil
}

// ValidateAccess checks that the registry is reachable and that the
// configured credentials are accepted.
func (c *RegistryClient) ValidateAccess(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	u := c.conn.Resolve("service/rest/v1/repositories")
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "registry not reachable: "+c.conn.URL.Host)
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("registry %s rejected credentials: status %d", c.conn.URL.Host, resp.StatusCode)
	}
	return nil
}

// listingPage mirrors one page of the Nexus asset listing.
type listingPage struct {
	Items []struct {
		Path         string `json:"path"`
		DownloadURL  string `json:"downloadUrl"`
		LastModified string `json:"lastModified"`
		FileSize     int64  `json:"fileSize"`
		Checksum     struct {
			SHA1   string `json:"sha1"`
			SHA256 string `json:"sha256"`
		} `json:"checksum"`
	} `json:"items"`
	ContinuationToken string `json:"continuationToken"`
}

// ListAssets fetches the full asset listing, following continuation
// tokens up to maxPages pages.  A page fetch that fails after the
// bounded retry budget is fatal for the run and reported as
// ErrSourceUnavailable.
func (c *RegistryClient) ListAssets(ctx context.Context, maxPages int) ([]AssetRecord, error) {
	var records []AssetRecord
	token := ""

	for page := 1; page <= maxPages; page++ {
		listing, err := c.fetchPage(ctx, token)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "page %d", page), ErrSourceUnavailable)
		}

		for _, item := range listing.Items {
			lastModified, err := parseRegistryTime(item.LastModified)
			if err != nil {
				// keep the asset; a missing timestamp must not hide it
				slog.Warn("cannot parse asset timestamp, treating as changed",
					"repo", c.conn.Repository, "path", item.Path, "value", item.LastModified)
			}
			records = append(records, AssetRecord{
				Path:         item.Path,
				DownloadURL:  item.DownloadURL,
				LastModified: lastModified,
				Size:         item.FileSize,
				SHA1:         item.Checksum.SHA1,
				SHA256:       item.Checksum.SHA256,
			})
		}

		slog.Debug("listing page fetched", "repo", c.conn.Repository, "page", page, "items", len(listing.Items))

		if listing.ContinuationToken == "" {
			return records, nil
		}
		if page == maxPages {
			slog.Warn("asset listing truncated by page cap",
				"repo", c.conn.Repository, "max_pages", maxPages, "assets", len(records))
			return records, nil
		}
		token = listing.ContinuationToken
	}
	return records, nil
}

// fetchPage requests one listing page, retrying transient (5xx and
// transport-level) failures.  Client errors such as 401 or 404 fail
// immediately: retrying cannot fix them.
func (c *RegistryClient) fetchPage(ctx context.Context, token string) (*listingPage, error) {
	u := c.conn.Resolve("service/rest/v1/assets")
	q := u.Query()
	q.Set("repository", c.conn.Repository)
	if token != "" {
		q.Set("continuationToken", token)
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt < pageRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying listing page", "repo", c.conn.Repository, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pageRetryDelay):
			}
		}

		page, retryable, err := c.fetchPageOnce(ctx, u)
		if err == nil {
			return page, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "after %d attempts", pageRetries)
}

func (c *RegistryClient) fetchPageOnce(ctx context.Context, u *url.URL) (page *listingPage, retryable bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer closeRespBody(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, true, errors.Newf("server error %d", resp.StatusCode)
	default:
		return nil, false, errors.Newf("status %d", resp.StatusCode)
	}

	var listing listingPage
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, true, errors.Wrap(err, "decode listing")
	}
	return &listing, false, nil
}

// Download streams the asset body into dest, verifying the listing's
// checksums when present.  It returns the number of bytes written.
// On any failure the (possibly partial) dest file is left for the
// caller's cleanup.
func (c *RegistryClient) Download(ctx context.Context, record AssetRecord, dest string, timeout time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(record.DownloadURL)
	if err != nil {
		return 0, errors.Wrap(err, "download URL")
	}

	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Newf("status %d for %s", resp.StatusCode, record.Path)
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - dest is built from a sanitized asset name
	if err != nil {
		return 0, err
	}

	sha1sum := sha1.New() // #nosec G401 - verification against registry-provided checksum, not a security boundary
	sha256sum := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, sha1sum, sha256sum), resp.Body)
	if err != nil {
		_ = f.Close()
		return written, errors.Wrap(err, "copy body")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return written, err
	}
	if err := f.Close(); err != nil {
		return written, err
	}

	if err := verifyChecksum(record.SHA1, sha1sum, "sha1"); err != nil {
		return written, err
	}
	if err := verifyChecksum(record.SHA256, sha256sum, "sha256"); err != nil {
		return written, err
	}
	return written, nil
}

func verifyChecksum(want string, h hash.Hash, algo string) error {
	if want == "" {
		return nil
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return errors.Newf("%s checksum mismatch: got %s, want %s", algo, got, want)
	}
	return nil
}

// Upload posts the downloaded archive to the hosted target repository
// using the npm component upload endpoint.
func (c *RegistryClient) Upload(ctx context.Context, pkg npm.Package, archivePath string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := os.Open(archivePath) // #nosec G304 - archivePath is built from a sanitized asset name
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close archive", "file", archivePath, "error", err)
		}
	}()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, pkg, archivePath, f)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	u := c.conn.Resolve("service/rest/v1/components")
	q := u.Query()
	q.Set("repository", c.conn.Repository)
	u.RawQuery = q.Encode()

	req, err := c.newRequest(ctx, http.MethodPost, u, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Newf("status %d for %s: %s", resp.StatusCode, pkg.Spec(), string(detail))
	}
	return nil
}

func writeUploadForm(mw *multipart.Writer, pkg npm.Package, archivePath string, f *os.File) error {
	if err := mw.WriteField("npm.name", pkg.FullName()); err != nil {
		return err
	}
	if err := mw.WriteField("npm.version", pkg.Version); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("npm.asset", filepath.Base(archivePath))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// parseRegistryTime parses the timestamp format used by the registry
// listing, e.g. "2023-07-31T10:30:45.123+00:00".
func parseRegistryTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates an HTTP client with tuned transport settings.
// Request deadlines are controlled by context, not the client.
func clonedTransport() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0,
	}
}
