// SPDX-License-Identifier: MIT

package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrHostNotAllowed indicates an outbound URL did not match the allowlist.
var ErrHostNotAllowed = errors.New("outbound host not allowed")

// Allowlist restricts the hosts provider adapters may reach. An empty
// allowlist permits every host.
type Allowlist struct {
	hosts map[string]struct{}
}

// NewAllowlist normalizes the configured hosts up front so later checks
// compare canonical forms only.
func NewAllowlist(hosts []string) (*Allowlist, error) {
	allow := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		if strings.TrimSpace(host) == "" {
			continue
		}
		normalized, err := NormalizeHost(host)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", host, err)
		}
		allow[normalized] = struct{}{}
	}
	return &Allowlist{hosts: allow}, nil
}

func (a *Allowlist) Empty() bool {
	return a == nil || len(a.hosts) == 0
}

// Check validates a full URL: http(s) scheme, a well-formed host, and
// allowlist membership when the list is non-empty.
func (a *Allowlist) Check(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("outbound url empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing url host")
	}
	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return err
	}
	if a.Empty() {
		return nil
	}
	if _, ok := a.hosts[host]; !ok {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}
	return nil
}

// Transport wraps next with a per-request allowlist check so every call an
// adapter makes stays inside the configured host set.
func (a *Allowlist) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &allowlistTransport{allow: a, next: next}
}

type allowlistTransport struct {
	allow *Allowlist
	next  http.RoundTripper
}

func (t *allowlistTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.allow.Check(req.URL.String()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// NormalizeHost validates and normalizes a host for comparison. IP literals
// collapse to their canonical text form, names go through IDNA lookup rules.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("host must not include scheme: %s", raw)
	}
	if strings.Contains(host, "/") {
		return "", fmt.Errorf("host must not include path: %s", raw)
	}
	if strings.Contains(host, "@") {
		return "", fmt.Errorf("host must not include userinfo: %s", raw)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host must not include port: %s", raw)
	}
	if strings.Contains(host, "%") {
		return "", fmt.Errorf("host must not include zone: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}
