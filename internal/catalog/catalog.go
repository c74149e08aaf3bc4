// Package catalog turns the remote release feed into validated, filtered
// Release records and resolves version/architecture pairs to artifact URLs.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrNoAsset means no published artifact matches the requested version and
// architecture. This is a normal outcome: not every version has a build for
// every platform.
var ErrNoAsset = errors.New("no matching release asset")

// Arch is the device architecture an asset was built for, derived from the
// asset name. Unknown is a valid, non-fatal value.
type Arch string

const (
	ArchARM     Arch = "arm"
	ArchARM64   Arch = "arm64"
	ArchX86     Arch = "x86"
	ArchX8664   Arch = "x86_64"
	ArchUnknown Arch = "unknown"
)

// ParseArch maps a user-supplied token to an Arch.
func ParseArch(s string) Arch {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arm":
		return ArchARM
	case "arm64", "aarch64":
		return ArchARM64
	case "x86", "386", "i386":
		return ArchX86
	case "x86_64", "amd64", "x64":
		return ArchX8664
	default:
		return ArchUnknown
	}
}

// Asset is a downloadable artifact of one release.
type Asset struct {
	Name        string
	DownloadURL string
	Arch        Arch
	Size        int64
}

// Release is one published version. Immutable once fetched; identity is the
// tag string.
type Release struct {
	Tag         string
	PublishedAt time.Time
	Assets      []Asset
}

// compressedSuffixes are the container formats the artifact fetcher can
// unpack; anything else is filtered out of the feed at parse time.
var compressedSuffixes = []string{".xz", ".zip", ".gz", ".zst"}

// Catalog fetches and filters the release feed of one repository.
type Catalog struct {
	repo        string
	apiBase     string
	assetPrefix string
	client      *http.Client
	logger      *slog.Logger
}

type Options struct {
	// Repo is the owner/name of the feed repository.
	Repo string
	// APIBase overrides the feed endpoint, mainly for tests.
	APIBase string
	// AssetPrefix keeps only assets whose name starts with this prefix.
	AssetPrefix string
	Timeout     time.Duration
	Logger      *slog.Logger
}

func New(opts Options) *Catalog {
	if opts.APIBase == "" {
		opts.APIBase = "https://api.github.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Catalog{
		repo:        opts.Repo,
		apiBase:     strings.TrimRight(opts.APIBase, "/"),
		assetPrefix: opts.AssetPrefix,
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      opts.Logger,
	}
}

// List returns the published releases newest first, as ordered by the feed.
// Entries are decoded one at a time so a long release history never gets
// materialized in memory at once. A non-2xx response yields an empty list.
func (c *Catalog) List(ctx context.Context) ([]Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases", c.apiBase, c.repo)
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		c.logger.Warn("release feed returned non-success status", "status", resp.StatusCode, "url", url)
		return nil, nil
	}

	dec := json.NewDecoder(resp.Body)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode release feed: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("decode release feed: expected array, got %v", tok)
	}

	var releases []Release
	for dec.More() {
		var entry releaseJSON
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode release entry: %w", err)
		}
		if rel, ok := c.filter(entry); ok {
			releases = append(releases, rel)
		}
	}
	return releases, nil
}

// ResolveURL maps a version/architecture pair to a downloadable artifact
// URL. Versions outside the cached feed window are looked up by tag.
// Architecture resolution prefers an exact derived-arch match, then a
// substring match of the arch token in the asset name.
func (c *Catalog) ResolveURL(ctx context.Context, version string, arch Arch) (string, error) {
	releases, err := c.List(ctx)
	if err != nil {
		return "", err
	}
	for _, rel := range releases {
		if rel.Tag == version {
			return pickAsset(rel, arch)
		}
	}
	rel, err := c.fetchByTag(ctx, version)
	if err != nil {
		return "", err
	}
	if rel == nil {
		return "", ErrNoAsset
	}
	return pickAsset(*rel, arch)
}

// ValidateVersion reports whether the tag resolves to a release with at
// least one qualifying asset. Used to vet caller-entered version strings
// before committing to a download.
func (c *Catalog) ValidateVersion(ctx context.Context, version string) bool {
	rel, err := c.fetchByTag(ctx, version)
	if err != nil {
		c.logger.Debug("version validation fetch failed", "version", version, "err", err)
		return false
	}
	return rel != nil && len(rel.Assets) > 0
}

func (c *Catalog) fetchByTag(ctx context.Context, tag string) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/tags/%s", c.apiBase, c.repo, tag)
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		c.logger.Debug("tag lookup returned non-success status", "status", resp.StatusCode, "tag", tag)
		return nil, nil
	}
	var entry releaseJSON
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode release %s: %w", tag, err)
	}
	rel, ok := c.filter(entry)
	if !ok {
		return nil, nil
	}
	return &rel, nil
}

func (c *Catalog) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return resp, nil
}

// filter keeps only assets matching the binary naming convention and a
// supported compressed suffix; releases left with zero assets are dropped.
func (c *Catalog) filter(entry releaseJSON) (Release, bool) {
	rel := Release{Tag: entry.TagName, PublishedAt: entry.PublishedAt}
	for _, a := range entry.Assets {
		if c.assetPrefix != "" && !strings.HasPrefix(a.Name, c.assetPrefix) {
			continue
		}
		if !hasCompressedSuffix(a.Name) {
			continue
		}
		rel.Assets = append(rel.Assets, Asset{
			Name:        a.Name,
			DownloadURL: a.BrowserDownloadURL,
			Arch:        DeriveArch(a.Name),
			Size:        a.Size,
		})
	}
	if rel.Tag == "" || len(rel.Assets) == 0 {
		return Release{}, false
	}
	return rel, true
}

func hasCompressedSuffix(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range compressedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// DeriveArch pattern-matches the architecture token embedded in an asset
// name. Longer tokens are tried first so "x86_64" never reads as "x86" and
// "arm64" never reads as "arm".
func DeriveArch(name string) Arch {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "arm64"), strings.Contains(lower, "aarch64"):
		return ArchARM64
	case strings.Contains(lower, "x86_64"), strings.Contains(lower, "amd64"):
		return ArchX8664
	case strings.Contains(lower, "x86"), strings.Contains(lower, "i386"), strings.Contains(lower, "i686"):
		return ArchX86
	case strings.Contains(lower, "arm"):
		return ArchARM
	default:
		return ArchUnknown
	}
}

func pickAsset(rel Release, arch Arch) (string, error) {
	for _, a := range rel.Assets {
		if a.Arch == arch {
			return a.DownloadURL, nil
		}
	}
	for _, a := range rel.Assets {
		if strings.Contains(strings.ToLower(a.Name), string(arch)) {
			return a.DownloadURL, nil
		}
	}
	return "", ErrNoAsset
}

type releaseJSON struct {
	TagName     string      `json:"tag_name"`
	PublishedAt time.Time   `json:"published_at"`
	Assets      []assetJSON `json:"assets"`
}

type assetJSON struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}
