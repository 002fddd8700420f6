package fetch

import (
	"net/url"
	"strings"

	"github.com/hashicorp/go-getter"

	"github.com/teranos/fetchq/errors"
)

// ValidateURI canonicalizes a transfer source. Shorthands that go-getter
// understands (github.com/x/y, s3 buckets) resolve to forced getters and are
// rejected along with every non-http(s) scheme.
func ValidateURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.Mark(errors.New("uri is required"), ErrValidation)
	}

	detected, err := getter.Detect(raw, "", getter.Detectors)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "unrecognized uri %q", raw), ErrValidation)
	}
	if forcedGetter(detected) {
		return "", errors.Mark(
			errors.WithHint(errors.Newf("uri %q resolves to %s", raw, detected),
				"only plain http and https URLs can be downloaded"),
			ErrValidation)
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "malformed uri %q", raw), ErrValidation)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Mark(errors.Newf("unsupported scheme %q", u.Scheme), ErrValidation)
	}
	if u.Hostname() == "" {
		return "", errors.Mark(errors.Newf("uri %q has no host", raw), ErrValidation)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	return u.String(), nil
}

// forcedGetter reports whether detected carries a go-getter "getter::" prefix.
// Only the part before "://" counts; IPv6 literals contain "::" in the host.
func forcedGetter(detected string) bool {
	scheme := detected
	if i := strings.Index(detected, "://"); i >= 0 {
		scheme = detected[:i]
	}
	return strings.Contains(scheme, "::")
}

// DefaultName derives a file name from the last path segment of uri.
func DefaultName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "download"
	}
	p := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	if name, err := url.PathUnescape(p); err == nil {
		p = name
	}
	if p == "" || p == "." || p == ".." {
		return "download"
	}
	return p
}
