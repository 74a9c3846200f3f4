package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// trackingParams are query keys stripped during canonicalization, on top of
// the utm_ prefix family.
var trackingParams = map[string]struct{}{
	"gclid":  {},
	"fbclid": {},
	"igshid": {},
	"mc_cid": {},
	"mc_eid": {},
}

// Canonicalize normalizes a raw URL into the form used as the deduplication
// key. It lowercases the scheme and host, removes default ports, strips the
// fragment and tracking query parameters, sorts the remaining parameters by
// key, and drops a single trailing slash unless the path is "/".
// Canonicalize is idempotent.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	// Values.Encode sorts by key.
	u.RawQuery = q.Encode()

	switch {
	case u.Path == "":
		u.Path = "/"
	case u.Path != "/" && strings.HasSuffix(u.Path, "/"):
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.RawPath = ""

	return u.String(), nil
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}

// DomainOf extracts the lowercased hostname used as the politeness and
// budget key for a URL.
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return host, nil
}
