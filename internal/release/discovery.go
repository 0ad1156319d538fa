package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/oshokin/ts3-updater/internal/config"
	"github.com/oshokin/ts3-updater/internal/logger"
)

// headingSelector picks the release titles inside the platform section.
const headingSelector = "h3"

// versionPattern accepts version tokens that are safe to embed in file names and URLs.
var versionPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+_-]*$`)

var (
	// ErrSectionNotFound means the page no longer has the expected platform block.
	ErrSectionNotFound = errors.New("release section not found on page")
	// ErrReleaseNotFound means no heading in the section carries the heading marker.
	ErrReleaseNotFound = errors.New("no matching release found on page")
	// ErrInvalidVersion means the matching heading ends in something that is not a version.
	ErrInvalidVersion = errors.New("invalid version token")
	// ErrBadHTTPStatus is returned for any non-200 response.
	ErrBadHTTPStatus = errors.New("unexpected http status")
)

// Release is the latest version published by the vendor.
type Release struct {
	// Version is the opaque version token, e.g. "3.13.7".
	Version string
	// DownloadURL is where the server archive for Version lives.
	DownloadURL string
}

// HTTPClient is the part of *http.Client used here.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options control one discovery run.
type Options struct {
	// Client performs the page request; http.DefaultClient when nil.
	Client HTTPClient
	// PageURL is the downloads page.
	PageURL string
	// SectionSelector is the CSS selector of the release block.
	SectionSelector string
	// HeadingMarker must appear in the wanted heading.
	HeadingMarker string
	// DownloadURLTemplate contains config.VersionPlaceholder.
	DownloadURLTemplate string
}

// OptionsFromConfig maps settings to discovery options.
func OptionsFromConfig(cfg *config.Config, client HTTPClient) *Options {
	return &Options{
		Client:              client,
		PageURL:             cfg.ReleasePage,
		SectionSelector:     cfg.SectionSelector,
		HeadingMarker:       cfg.HeadingMarker,
		DownloadURLTemplate: cfg.DownloadURLTemplate,
	}
}

// Discover fetches the page once and returns the latest release.
func Discover(ctx context.Context, opts *Options) (*Release, error) {
	logger.InfoKV(ctx, "Fetching release page", "url", opts.PageURL)

	page, err := Fetch(ctx, opts.Client, opts.PageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch release page: %w", err)
	}

	latest, err := ParseLatestVersion(bytes.NewReader(page), opts.SectionSelector, opts.HeadingMarker)
	if err != nil {
		return nil, err
	}

	release := &Release{
		Version:     latest,
		DownloadURL: DownloadURL(opts.DownloadURLTemplate, latest),
	}

	logger.DebugKV(ctx, "Release discovered", "version", release.Version, "url", release.DownloadURL)

	return release, nil
}

// Fetch downloads the page body. Redirects are followed by the client.
func Fetch(ctx context.Context, client HTTPClient, pageURL string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, err
	}

	response, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s, %s: %w", pageURL, response.Status, ErrBadHTTPStatus)
	}

	return io.ReadAll(response.Body)
}

// ParseLatestVersion returns the version from the first heading in the
// section that mentions marker. The marker itself (bare or parenthesized)
// is dropped and the last whitespace-separated token of what remains is
// the version.
func ParseLatestVersion(page io.Reader, selector, marker string) (string, error) {
	document, err := goquery.NewDocumentFromReader(page)
	if err != nil {
		return "", fmt.Errorf("parse release page: %w", err)
	}

	section := document.Find(selector).First()
	if section.Length() == 0 {
		return "", fmt.Errorf("%s: %w", selector, ErrSectionNotFound)
	}

	var latest string

	section.Find(headingSelector).EachWithBreak(func(_ int, heading *goquery.Selection) bool {
		text := heading.Text()
		if !strings.Contains(text, marker) {
			return true
		}

		latest = versionFromHeading(text, marker)

		return latest == ""
	})

	if latest == "" {
		return "", fmt.Errorf("%q in %s: %w", marker, selector, ErrReleaseNotFound)
	}

	if !versionPattern.MatchString(latest) {
		return "", fmt.Errorf("%q: %w", latest, ErrInvalidVersion)
	}

	return latest, nil
}

// DownloadURL substitutes version into template.
func DownloadURL(template, version string) string {
	return strings.ReplaceAll(template, config.VersionPlaceholder, version)
}

func versionFromHeading(text, marker string) string {
	text = strings.ReplaceAll(text, "("+marker+")", " ")
	text = strings.ReplaceAll(text, marker, " ")

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return ""
	}

	return tokens[len(tokens)-1]
}
