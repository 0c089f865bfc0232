// Package updater checks the project's GitHub releases for a newer agent.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/eid-notes/internal/logging"
)

const (
	// ReleasesURL is the endpoint for fetching releases
	ReleasesURL = "https://api.github.com/repos/SimplyPrint/eid-notes/releases?per_page=20"
	// CacheDuration defines how long to cache update check results
	CacheDuration = 30 * time.Minute
	// RequestTimeout is the timeout for GitHub API requests
	RequestTimeout = 10 * time.Second
	// UserAgent identifies this client to GitHub
	UserAgent = "eid-notes-updater"
	// MaxReleaseNotesLength is the maximum length of release notes to return
	MaxReleaseNotesLength = 500
)

// agentReleasePattern matches agent release tags (v1.2.3) and skips other
// prefixed tags
var agentReleasePattern = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

// Release is the part of the GitHub release object the checker reads.
type Release struct {
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

// Asset is a downloadable file of a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// UpdateInfo contains information about an available update
type UpdateInfo struct {
	Available      bool       `json:"available"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion,omitempty"`
	ReleaseURL     string     `json:"releaseUrl,omitempty"`
	ReleaseNotes   string     `json:"releaseNotes,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	Platform       string     `json:"platform"`
	CheckedAt      time.Time  `json:"checkedAt"`
	Error          string     `json:"error,omitempty"`
	IsDev          bool       `json:"isDev"`
}

// Checker handles update checking with caching
type Checker struct {
	currentVersion string
	releasesURL    string
	httpClient     *http.Client

	mu           sync.Mutex
	cachedResult *UpdateInfo
	cacheExpiry  time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithReleasesURL points the checker at another releases endpoint.
func WithReleasesURL(url string) Option {
	return func(c *Checker) {
		c.releasesURL = url
	}
}

// NewChecker creates a new update checker
func NewChecker(currentVersion string, opts ...Option) *Checker {
	c := &Checker{
		currentVersion: currentVersion,
		releasesURL:    ReleasesURL,
		httpClient: &http.Client{
			Timeout: RequestTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check checks for updates, using the cached result unless forceRefresh is
// set or it has expired. Failures are reported in UpdateInfo.Error.
func (c *Checker) Check(ctx context.Context, forceRefresh bool) *UpdateInfo {
	c.mu.Lock()
	if !forceRefresh && c.cachedResult != nil && time.Now().Before(c.cacheExpiry) {
		result := *c.cachedResult
		c.mu.Unlock()
		return &result
	}
	c.mu.Unlock()

	result := c.fetch(ctx)
	if result.Error != "" {
		logging.Debug(logging.CatSystem, "Update check failed", map[string]any{
			"error": result.Error,
		})
	}

	c.mu.Lock()
	c.cachedResult = result
	c.cacheExpiry = time.Now().Add(CacheDuration)
	c.mu.Unlock()

	copied := *result
	return &copied
}

// ClearCache clears the cached update info
func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cachedResult = nil
	c.cacheExpiry = time.Time{}
	c.mu.Unlock()
}

func (c *Checker) fetch(ctx context.Context) *UpdateInfo {
	current := ParseVersion(c.currentVersion)
	info := &UpdateInfo{
		CurrentVersion: c.currentVersion,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		CheckedAt:      time.Now(),
		IsDev:          current.IsDev(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.releasesURL, nil)
	if err != nil {
		info.Error = fmt.Sprintf("failed to create request: %v", err)
		return info
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		info.Error = fmt.Sprintf("failed to fetch release info: %v", err)
		return info
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		info.Error = "rate limited by GitHub API, try again later"
		return info
	case http.StatusNotFound:
		info.Error = "no releases found"
		return info
	default:
		info.Error = fmt.Sprintf("GitHub API returned status %d", resp.StatusCode)
		return info
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		info.Error = fmt.Sprintf("failed to parse release info: %v", err)
		return info
	}

	// Releases come newest first
	var release *Release
	for i := range releases {
		if agentReleasePattern.MatchString(releases[i].TagName) {
			release = &releases[i]
			break
		}
	}
	if release == nil {
		info.Error = "no agent releases found"
		return info
	}

	info.LatestVersion = release.TagName
	info.ReleaseURL = release.HTMLURL
	info.ReleaseNotes = truncateReleaseNotes(release.Body, MaxReleaseNotesLength)
	info.PublishedAt = &release.PublishedAt
	info.DownloadURL = findDownloadURL(release.Assets, runtime.GOOS, runtime.GOARCH)

	// Dev builds are usually ahead of the last release
	info.Available = !current.IsDev() && current.IsOlderThan(ParseVersion(release.TagName))
	return info
}

// findDownloadURL picks the asset built for goos/goarch, preferring
// installable packages over archives.
func findDownloadURL(assets []Asset, goos, goarch string) string {
	archNames := map[string][]string{
		"amd64": {"amd64", "x86_64", "x64"},
		"arm64": {"arm64", "aarch64"},
		"386":   {"386", "i386", "x86"},
	}
	osNames := map[string][]string{
		"darwin":  {"darwin", "macos"},
		"windows": {"windows", "win"},
		"linux":   {"linux"},
	}
	extensions := map[string][]string{
		"darwin":  {".pkg", ".dmg", ".tar.gz", ".zip"},
		"windows": {".msi", ".exe", ".zip"},
		"linux":   {".deb", ".rpm", ".tar.gz", ".zip"},
	}[goos]
	if extensions == nil {
		extensions = []string{".tar.gz", ".zip"}
	}

	arches := archNames[goarch]
	if arches == nil {
		arches = []string{goarch}
	}
	if goos == "darwin" {
		arches = append(arches, "universal")
	}

	best, bestScore := "", len(extensions)+1
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if !containsAny(name, osNames[goos]) || !containsAny(name, arches) {
			continue
		}

		score := len(extensions)
		for i, ext := range extensions {
			if strings.HasSuffix(name, ext) {
				score = i
				break
			}
		}
		if score < bestScore {
			best, bestScore = asset.BrowserDownloadURL, score
		}
	}
	return best
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// truncateReleaseNotes truncates release notes to maxLen characters
func truncateReleaseNotes(notes string, maxLen int) string {
	notes = strings.TrimSpace(notes)
	if len(notes) <= maxLen {
		return notes
	}
	return notes[:maxLen] + "..."
}
