// Package sourceref canonicalizes the source reference carried by an
// ExecutionRequest and computes its fingerprint, per spec §3 and §6. Ported
// from original_source/coordinator/src/github_canon.rs, generalized from a
// GitHub-only allowlist to the configurable host allowlist spec §6 names
// ("reject non-allowlisted hosts").
package sourceref

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
)

// AllowedTargets is the fixed build-target allowlist from spec §6.
var AllowedTargets = map[string]bool{
	"wasm32-wasip1":          true,
	"wasm32-wasi":            true,
	"wasm32-wasip2":          true,
	"wasm32-unknown-unknown": true,
}

// DefaultAllowedHosts is the out-of-the-box host allowlist; operators may
// extend it via internal/config.FileOverrides.AllowedHosts.
var DefaultAllowedHosts = map[string]bool{
	"github.com": true,
}

// Canonical is the normalized, validated source reference used for caching,
// compilation, and fingerprinting.
type Canonical struct {
	Repo        string // https://<host>/<owner>/<repo>, lowercase host
	Commit      string
	BuildTarget string
	BuildPath   string // "" if not given
}

// Canonicalize validates and normalizes raw per the rules in spec §6:
// lowercase host, strip .git/trailing slash, host allowlist, build_path
// traversal/absolute/dot-prefix rejection, build_target allowlist.
//
// allowedHosts may be nil, in which case DefaultAllowedHosts is used.
func Canonicalize(raw chain.SourceRef, allowedHosts map[string]bool) (Canonical, error) {
	if allowedHosts == nil {
		allowedHosts = DefaultAllowedHosts
	}

	repo, err := normalizeRepo(raw.Repo, allowedHosts)
	if err != nil {
		return Canonical{}, err
	}

	commit := strings.TrimSpace(raw.Commit)
	if commit == "" {
		return Canonical{}, fmt.Errorf("sourceref: commit cannot be empty")
	}

	target := strings.TrimSpace(raw.BuildTarget)
	if !AllowedTargets[target] {
		return Canonical{}, fmt.Errorf("sourceref: unsupported build target %q", target)
	}

	var buildPath string
	if raw.BuildPath != "" {
		buildPath, err = validateBuildPath(raw.BuildPath)
		if err != nil {
			return Canonical{}, err
		}
	}

	return Canonical{Repo: repo, Commit: commit, BuildTarget: target, BuildPath: buildPath}, nil
}

func normalizeRepo(raw string, allowedHosts map[string]bool) (string, error) {
	url := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(url, "git@"):
		// git@host:owner/repo(.git) -> https://host/owner/repo
		rest := strings.TrimPrefix(url, "git@")
		host, path, ok := strings.Cut(rest, ":")
		if !ok {
			return "", fmt.Errorf("sourceref: malformed ssh url %q", raw)
		}
		url = "https://" + host + "/" + path
	case strings.HasPrefix(url, "http://"):
		url = "https://" + strings.TrimPrefix(url, "http://")
	case !strings.Contains(url, "://"):
		url = "https://" + url
	}

	url = strings.TrimSuffix(url, ".git")
	url = strings.TrimRight(url, "/")

	const scheme = "https://"
	if !strings.HasPrefix(url, scheme) {
		return "", fmt.Errorf("sourceref: only https/ssh repository URLs are supported (got %q)", raw)
	}
	hostAndPath := strings.TrimPrefix(url, scheme)
	host, path, ok := strings.Cut(hostAndPath, "/")
	if !ok {
		return "", fmt.Errorf("sourceref: invalid repository URL %q", raw)
	}
	host = strings.ToLower(host)
	if !allowedHosts[host] {
		return "", fmt.Errorf("sourceref: host %q is not in the allowlist", host)
	}

	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("sourceref: expected https://%s/owner/repo (got %q)", host, raw)
	}
	owner, repo := parts[0], parts[1]

	return fmt.Sprintf("https://%s/%s/%s", host, owner, repo), nil
}

func validateBuildPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("sourceref: build path cannot be empty")
	}
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("sourceref: build path must be relative (got %q)", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("sourceref: build path cannot contain '..' (got %q)", path)
	}
	if strings.HasPrefix(path, ".") {
		return "", fmt.Errorf("sourceref: build path cannot start with '.' (got %q)", path)
	}
	return strings.ReplaceAll(path, "\\", "/"), nil
}

// Fingerprint computes H = SHA-256(repo ∥ commit ∥ build_target[ ∥
// build_path]) per spec §3, returned as lowercase hex — this doubles as the
// cached artifact's checksum/filename.
func (c Canonical) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.Repo))
	h.Write([]byte(c.Commit))
	h.Write([]byte(c.BuildTarget))
	if c.BuildPath != "" {
		h.Write([]byte(c.BuildPath))
	}
	return hex.EncodeToString(h.Sum(nil))
}
