package models

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrEmptyURL is returned when the input URL is empty or whitespace.
	ErrEmptyURL = errors.New("relay URL cannot be empty")
	// ErrInvalidScheme is returned for schemes other than ws or wss.
	ErrInvalidScheme = errors.New("relay URL scheme must be ws or wss")
	// ErrEmptyHost is returned when the URL has no host component.
	ErrEmptyHost = errors.New("relay URL host cannot be empty")
	// ErrCredentialsInURL is returned when the URL carries userinfo.
	ErrCredentialsInURL = errors.New("relay URL must not contain credentials")
	// ErrPrivateAddress is returned for bare IPs in private or reserved ranges.
	ErrPrivateAddress = errors.New("relay host resolves to a private address range")
	// ErrInvalidHostname is returned when the hostname fails IDNA validation.
	ErrInvalidHostname = errors.New("relay hostname failed IDNA validation")
)

// lookupProfile is idna.Lookup plus DNS length verification, so labels over
// 63 octets and names over 253 octets are rejected.
var lookupProfile = idna.New(
	idna.MapForLookup(),
	idna.VerifyDNSLength(true),
	idna.BidiRule(),
)

// NormalizeURL canonicalizes a relay URL so that two spellings of the same
// endpoint compare equal. The canonical form is what gets stored and used as
// the relay's identity everywhere.
//
// Normalization rules:
//  1. Scheme and host are lowercased; the scheme must be ws or wss.
//  2. Default ports are elided (ws://host:80 → ws://host, wss://host:443 → wss://host).
//  3. The trailing slash is stripped; the canonical root form is host-only
//     (wss://relay.example.com/ → wss://relay.example.com).
//  4. The fragment is dropped; the query string is preserved.
//  5. Rejected outright: non-ws/wss schemes, userinfo, bare IP addresses in
//     private/loopback/link-local ranges, hostnames that fail IDNA lookup
//     normalization.
//
// NormalizeURL is idempotent: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", ErrEmptyURL
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("relay URL is not parseable: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("%w: got %q", ErrInvalidScheme, u.Scheme)
	}

	if u.User != nil {
		return "", ErrCredentialsInURL
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", ErrEmptyHost
	}

	host, err = validateHost(host)
	if err != nil {
		return "", err
	}

	// Elide default ports; keep everything else.
	port := u.Port()
	if (scheme == "ws" && port == "80") || (scheme == "wss" && port == "443") {
		port = ""
	}

	authority := host
	if strings.Contains(host, ":") {
		// Re-bracket IPv6 literals; Hostname() strips the brackets.
		authority = "[" + host + "]"
	}

	if port != "" {
		authority = net.JoinHostPort(host, port)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")

	normalized := scheme + "://" + authority + path
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}

	return normalized, nil
}

// validateHost checks a lowercased hostname: IP literals must not fall in
// private or reserved ranges, and DNS names must survive IDNA lookup
// normalization. Returns the host in its validated ASCII form.
func validateHost(host string) (string, error) {
	// Strip brackets from IPv6 literals before parsing.
	bare := strings.Trim(host, "[]")

	if ip := net.ParseIP(bare); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return "", fmt.Errorf("%w: %s", ErrPrivateAddress, bare)
		}

		return host, nil
	}

	ascii, err := lookupProfile.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidHostname, host, err)
	}

	return ascii, nil
}
