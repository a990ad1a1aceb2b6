package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nexsync/nexsync/internal/npm"
)

func testConnection(t *testing.T, serverURL, repository string) *Connection {
	t.Helper()
	var u tomlURL
	if err := u.UnmarshalText([]byte(serverURL)); err != nil {
		t.Fatalf("UnmarshalText(%q): %v", serverURL, err)
	}
	return &Connection{URL: u, Repository: repository}
}

func listingItem(path, downloadURL, lastModified string, size int64) map[string]any {
	return map[string]any{
		"path":         path,
		"downloadUrl":  downloadURL,
		"lastModified": lastModified,
		"fileSize":     size,
		"checksum":     map[string]any{},
	}
}

func TestListAssetsPagination(t *testing.T) {
	pages := map[string]map[string]any{
		"": {
			"items":             []any{listingItem("a/-/a-1.0.0.tgz", "", "2024-01-01T00:00:00.000+00:00", 10)},
			"continuationToken": "t1",
		},
		"t1": {
			"items":             []any{listingItem("b/-/b-1.0.0.tgz", "", "2024-01-02T00:00:00.000+00:00", 20)},
			"continuationToken": "t2",
		},
		"t2": {
			"items": []any{listingItem("c/-/c-1.0.0.tgz", "", "2024-01-03T00:00:00.000+00:00", 30)},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/service/rest/v1/assets" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("repository"); got != "npm-all" {
			t.Errorf("repository = %q", got)
		}
		page, ok := pages[r.URL.Query().Get("continuationToken")]
		if !ok {
			http.Error(w, "bad token", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	client := NewRegistryClient(testConnection(t, server.URL, "npm-all"), 5*time.Second)

	records, err := client.ListAssets(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Path != "a/-/a-1.0.0.tgz" || records[2].Path != "c/-/c-1.0.0.tgz" {
		t.Errorf("unexpected record order: %v", records)
	}
	if !records[1].LastModified.Equal(ts("2024-01-02T00:00:00Z")) {
		t.Errorf("lastModified = %v", records[1].LastModified)
	}

	// page cap truncates after the first page
	truncated, err := client.ListAssets(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListAssets (capped): %v", err)
	}
	if len(truncated) != 1 {
		t.Errorf("got %d records with max_pages=1, want 1", len(truncated))
	}
}

func TestListAssetsUnparsableTimestampSurvivesFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []any{listingItem("a/-/a-1.0.0.tgz", "", "31-07-2023 10:30", 1)},
		})
	}))
	defer server.Close()

	client := NewRegistryClient(testConnection(t, server.URL, "r"), 5*time.Second)
	records, err := client.ListAssets(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("asset with a bad timestamp dropped from the listing")
	}
	if !records[0].LastModified.IsZero() {
		t.Errorf("LastModified = %v, want zero", records[0].LastModified)
	}

	// an incremental run must still pick the asset up
	cursor := &Cursor{LastSync: ts("2024-06-01T00:00:00Z")}
	if got := FilterSince(records, cursor); len(got) != 1 {
		t.Errorf("asset with a bad timestamp filtered out: %v", got)
	}
}

func TestListAssetsRetriesServerErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []any{listingItem("a/-/a-1.0.0.tgz", "", "2024-01-01T00:00:00Z", 1)},
		})
	}))
	defer server.Close()

	client := NewRegistryClient(testConnection(t, server.URL, "r"), 5*time.Second)
	records, err := client.ListAssets(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want 1", len(records))
	}
	if calls != 3 {
		t.Errorf("server called %d times, want 3", calls)
	}
}

func TestListAssetsExhaustedRetriesAreFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewRegistryClient(testConnection(t, server.URL, "r"), 5*time.Second)
	_, err := client.ListAssets(context.Background(), 1)
	if err == nil {
		t.Fatal("ListAssets passed, want error")
	}
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable", err)
	}
}

func TestListAssetsAuthFailureIsImmediate(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewRegistryClient(testConnection(t, server.URL, "r"), 5*time.Second)
	if _, err := client.ListAssets(context.Background(), 1); err == nil {
		t.Fatal("ListAssets passed, want error")
	}
	if calls != 1 {
		t.Errorf("server called %d times for a 401, want 1", calls)
	}
}

func TestRepositoryType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/service/rest/v1/repositories/npm-proxy" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "npm-proxy", "type": "proxy"})
	}))
	defer server.Close()

	client := NewRegistryClient(testConnection(t, server.URL, "npm-proxy"), 5*time.Second)
	repoType, err := client.RepositoryType(context.Background())
	if err != nil {
		t.Fatalf("RepositoryType: %v", err)
	}
	if repoType != "proxy" {
		t.Errorf("type = %q, want proxy", repoType)
	}
}

func TestDownloadVerifiesChecksum(t *testing.T) {
	body := []byte("tarball bytes")
	sum := sha256.Sum256(body)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer server.Close()

	client := NewRegistryClient(testConnection(t, server.URL, "r"), 5*time.Second)
	dir := t.TempDir()

	good := AssetRecord{
		Path:        "a/-/a-1.0.0.tgz",
		DownloadURL: server.URL + "/repository/r/a/-/a-1.0.0.tgz",
		SHA256:      hex.EncodeToString(sum[:]),
	}
	dest := filepath.Join(dir, "a.tgz")
	written, err := client.Download(context.Background(), good, dest, 5*time.Second)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if written != int64(len(body)) {
		t.Errorf("written = %d, want %d", written, len(body))
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != string(body) {
		t.Errorf("downloaded content mismatch: %q, %v", data, err)
	}

	bad := good
	bad.SHA256 = hex.EncodeToString(make([]byte, 32))
	if _, err := client.Download(context.Background(), bad, filepath.Join(dir, "b.tgz"), 5*time.Second); err == nil {
		t.Error("Download passed with a wrong checksum, want error")
	}
}

func TestUploadSendsMultipartComponent(t *testing.T) {
	var gotName, gotVersion, gotFile string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/service/rest/v1/components" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("repository"); got != "npm-hosted" {
			t.Errorf("repository = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotName = r.FormValue("npm.name")
		gotVersion = r.FormValue("npm.version")
		file, _, err := r.FormFile("npm.asset")
		if err != nil {
			t.Errorf("FormFile: %v", err)
		} else {
			buf := make([]byte, 16)
			n, _ := file.Read(buf)
			gotFile = string(buf[:n])
			_ = file.Close()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	dir := t.TempDir()
	archive := filepath.Join(dir, "arkgen-1.5.0-dev.1111.tgz")
	if err := os.WriteFile(archive, []byte("tar content"), 0600); err != nil {
		t.Fatal(err)
	}

	client := NewRegistryClient(testConnection(t, server.URL, "npm-hosted"), 5*time.Second)
	pkg := npm.Package{Scope: "@idlizer", Name: "arkgen", Version: "1.5.0-dev.1111"}
	if err := client.Upload(context.Background(), pkg, archive, 5*time.Second); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if gotName != "@idlizer/arkgen" {
		t.Errorf("npm.name = %q", gotName)
	}
	if gotVersion != "1.5.0-dev.1111" {
		t.Errorf("npm.version = %q", gotVersion)
	}
	if gotFile != "tar content" {
		t.Errorf("npm.asset content = %q", gotFile)
	}
}

func TestUploadFailureIncludesServerDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "repository is read-only", http.StatusBadRequest)
	}))
	defer server.Close()

	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tgz")
	if err := os.WriteFile(archive, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	client := NewRegistryClient(testConnection(t, server.URL, "r"), 5*time.Second)
	err := client.Upload(context.Background(), npm.Package{Name: "a", Version: "1.0.0"}, archive, 5*time.Second)
	if err == nil {
		t.Fatal("Upload passed, want error")
	}
	if want := "repository is read-only"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not include server detail %q", err, want)
	}
}

func TestValidateAccess(t *testing.T) {
	var sawAuth bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); ok {
			sawAuth = true
		}
		fmt.Fprint(w, "[]")
	}))
	defer server.Close()

	conn := testConnection(t, server.URL, "r")
	conn.Username = "sync"
	conn.Password = "secret"

	client := NewRegistryClient(conn, 5*time.Second)
	if err := client.ValidateAccess(context.Background()); err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if !sawAuth {
		t.Error("basic auth header not sent")
	}
}
