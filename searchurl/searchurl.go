package searchurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrEmptyURL is returned when a subscriber has no listings URL
	ErrEmptyURL = errors.New("no listings URL")
	// ErrInvalidURL is returned when a listings URL is not an absolute http(s) URL
	ErrInvalidURL = errors.New("invalid listings URL")
)

// Validate checks that raw is an absolute http or https URL and returns it trimmed
func Validate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyURL
	}

	parsedURL, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidURL, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	return parsedURL.String(), nil
}

// Resolve turns a detail-page href into an absolute link.
// Root-relative hrefs get origin prefixed, protocol-relative ones get https,
// anything else is returned as-is.
func Resolve(origin, href string) string {
	href = strings.TrimSpace(href)
	switch {
	case strings.HasPrefix(href, "//"):
		return "https:" + href
	case strings.HasPrefix(href, "/"):
		return strings.TrimRight(origin, "/") + href
	default:
		return href
	}
}

// Origin returns the scheme and host part of an absolute URL, e.g.
// "https://www.spareroom.co.uk" for a search results URL
func Origin(raw string) string {
	parsedURL, err := url.Parse(raw)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return ""
	}
	return parsedURL.Scheme + "://" + parsedURL.Host
}
