package sync

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nexsync/nexsync/internal/npm"
)

// CommandRunner abstracts the external package-fetch tool.  It exists
// so proxy-mode transfers can be exercised in tests without a real npm
// installation: the engine only needs (command, args) in and
// (captured output, exit signal) out.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (output string, err error)
}

// ExecRunner runs commands with os/exec, capturing combined output.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// CacheTrigger populates a proxy repository's cache by fetching each
// package through it with "npm pack".  The proxy fetches the artifact
// from its own remote on the client's behalf, which is the only way to
// seed a proxy repository: it rejects direct uploads.
type CacheTrigger struct {
	runner      CommandRunner
	registryURL string
	username    string
	password    string
	tempDir     string
	timeout     time.Duration
	cleaner     *Cleaner
}

// NewCacheTrigger builds a CacheTrigger against the target connection.
func NewCacheTrigger(runner CommandRunner, target *Connection, tempDir string, timeout time.Duration, cleaner *Cleaner) *CacheTrigger {
	return &CacheTrigger{
		runner:      runner,
		registryURL: target.Resolve("repository/" + target.Repository + "/").String(),
		username:    target.Username,
		password:    target.Password,
		tempDir:     tempDir,
		timeout:     timeout,
		cleaner:     cleaner,
	}
}

// Trigger fetches pkg through the proxy.  The captured tool output is
// returned even on failure so it can be attached to the asset outcome
// for diagnosis.
func (t *CacheTrigger) Trigger(ctx context.Context, pkg npm.Package) (string, error) {
	npmrc, err := t.writeNpmrc()
	if err != nil {
		return "", errors.Wrap(err, "cache trigger")
	}
	defer t.cleaner.Remove(npmrc)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{
		"pack", pkg.Spec(),
		"--registry", t.registryURL,
		"--userconfig", npmrc,
		"--pack-destination", t.tempDir,
		"--loglevel", "verbose",
	}
	slog.Debug("triggering proxy cache", "spec", pkg.Spec(), "registry", t.registryURL)

	output, err := t.runner.Run(ctx, "npm", args...)

	// npm writes the packed tarball into tempDir as a side product;
	// remove it regardless of the outcome.
	t.cleaner.Remove(filepath.Join(t.tempDir, packedTarballName(pkg)))

	if err != nil {
		return output, errors.Wrapf(err, "npm pack %s", pkg.Spec())
	}
	return output, nil
}

// writeNpmrc creates a throwaway npm user config pointing at the proxy
// registry, with credentials when the target requires them.
func (t *CacheTrigger) writeNpmrc() (string, error) {
	f, err := os.CreateTemp(t.tempDir, "_npmrc")
	if err != nil {
		return "", err
	}

	content := "registry=" + t.registryURL + "\n"
	if t.username != "" {
		// npm scopes auth to the registry host, without the URL scheme
		host := t.registryURL
		if i := strings.Index(host, "//"); i >= 0 {
			host = host[i+2:]
		}
		token := base64.StdEncoding.EncodeToString([]byte(t.username + ":" + t.password))
		content += "//" + host + ":_auth=" + token + "\n"
	}

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// packedTarballName is the file name npm pack produces: the scope
// loses its "@" and the "/" becomes "-".
func packedTarballName(pkg npm.Package) string {
	if pkg.Scope == "" {
		return pkg.Name + "-" + pkg.Version + ".tgz"
	}
	return strings.TrimPrefix(pkg.Scope, "@") + "-" + pkg.Name + "-" + pkg.Version + ".tgz"
}
