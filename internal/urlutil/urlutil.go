// Package urlutil provides URL validation and inspection utilities.
package urlutil

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/jmylchreest/vidrelay/internal/models"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// ValidateSourceURL checks that u is an absolute http or https URL with a host.
// Errors wrap models.ErrURLRequired or models.ErrInvalidURL.
func ValidateSourceURL(u string) error {
	u = strings.TrimSpace(u)
	if u == "" {
		return models.ErrURLRequired
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidURL, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
	case "":
		return fmt.Errorf("%w: URL must include a scheme (http:// or https://)", models.ErrInvalidURL)
	default:
		return fmt.Errorf("%w: unsupported URL scheme %q (supported: http, https)", models.ErrInvalidURL, parsed.Scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: URL has no host", models.ErrInvalidURL)
	}

	return nil
}

// PathExtension returns the lowercased extension of the URL path, ignoring
// query and fragment. Returns "" when u cannot be parsed or has no extension.
func PathExtension(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(parsed.Path))
}

// HostOf returns the host of u, or "" when it cannot be parsed.
func HostOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return parsed.Host
}
