// Package hub fetches model files from a HuggingFace compatible hub.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultEndpoint is the public HuggingFace hub.
const DefaultEndpoint = "https://huggingface.co"

// Config for a hub Client.
type Config struct {
	Endpoint  string        `yaml:"endpoint"`
	Token     string        `yaml:"token"`
	Revision  string        `yaml:"revision"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// Client resolves and downloads repository files.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a hub client. Empty fields take public hub defaults.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Revision == "" {
		cfg.Revision = "main"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "evolver"
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// Large weight files; only the connection phases are bounded.
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

// FileInfo is one file of a repository.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ResolveURL is the download URL of file in repo.
func (c *Client) ResolveURL(repo, file string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.cfg.Endpoint, repo, url.PathEscape(c.cfg.Revision), file)
}

func (c *Client) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

// ListFiles returns the files of repo at the configured revision.
func (c *Client) ListFiles(ctx context.Context, repo string) ([]FileInfo, error) {
	if err := ValidateRepoID(repo); err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=1", c.cfg.Endpoint, repo, url.PathEscape(c.cfg.Revision))
	req, err := c.newRequest(ctx, http.MethodGet, target)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: %s", repo, resp.Status)
	}

	var tree []struct {
		Path string `json:"path"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, fmt.Errorf("list %s: %w", repo, err)
	}

	var files []FileInfo
	for _, item := range tree {
		if item.Type == "file" {
			files = append(files, FileInfo{Name: item.Path, Size: item.Size})
		}
	}
	return files, nil
}

// Fetch downloads file from repo into dir unless it is already there, and
// returns the local path. Data goes to a ".downloading" file that is renamed
// once complete.
func (c *Client) Fetch(ctx context.Context, repo, file, dir string) (string, error) {
	if err := ValidateRepoID(repo); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.FromSlash(file))
	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.ResolveURL(repo, file))
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s/%s: %w", repo, file, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s/%s: unexpected status %s", repo, file, resp.Status)
	}

	tempPath := dest + ".downloading"
	out, err := os.Create(tempPath)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && resp.ContentLength > 0 && n != resp.ContentLength {
		err = fmt.Errorf("short body: %d of %d bytes", n, resp.ContentLength)
	}
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("fetch %s/%s: %w", repo, file, err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// FetchAll fetches several files of repo into dir, stopping at the first
// failure.
func (c *Client) FetchAll(ctx context.Context, repo, dir string, files ...string) error {
	for _, file := range files {
		if _, err := c.Fetch(ctx, repo, file, dir); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRepoID checks the "owner/name" form. A bare name is accepted for
// the canonical unprefixed repositories such as "gpt2-medium".
func ValidateRepoID(repo string) error {
	parts := strings.Split(repo, "/")
	if len(parts) > 2 {
		return fmt.Errorf("invalid repo ID format (expected 'owner/model'): %s", repo)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return fmt.Errorf("invalid repo ID format (expected 'owner/model'): %s", repo)
		}
	}
	return nil
}
