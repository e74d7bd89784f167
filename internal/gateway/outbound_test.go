// SPDX-License-Identifier: MIT

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "api.spotify.com", "api.spotify.com"},
		{"uppercase", "API.Spotify.COM", "api.spotify.com"},
		{"trailing dot", "api.spotify.com.", "api.spotify.com"},
		{"whitespace", "  localhost  ", "localhost"},
		{"idn", "bücher.example", "xn--bcher-kva.example"},
		{"ipv4", "127.0.0.1", "127.0.0.1"},
		{"ipv6 bracketed", "[::1]", "::1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeHost(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeHostRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"http://host",
		"host/path",
		"user@host",
		"host:8080",
		"fe80::1%eth0",
	} {
		_, err := NormalizeHost(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestAllowlistCheck(t *testing.T) {
	allow, err := NewAllowlist([]string{"api.spotify.com", "Localhost", ""})
	require.NoError(t, err)

	assert.NoError(t, allow.Check("https://api.spotify.com/v1/search"))
	assert.NoError(t, allow.Check("http://localhost:5030/api/v0/searches"))

	err = allow.Check("https://evil.example/v1/search")
	assert.ErrorIs(t, err, ErrHostNotAllowed)

	assert.Error(t, allow.Check("ftp://api.spotify.com/file"))
	assert.Error(t, allow.Check(""))
}

func TestAllowlistEmptyAllowsAll(t *testing.T) {
	allow, err := NewAllowlist(nil)
	require.NoError(t, err)

	assert.True(t, allow.Empty())
	assert.NoError(t, allow.Check("https://anything.example/path"))

	var nilAllow *Allowlist
	assert.True(t, nilAllow.Empty())
	assert.NoError(t, nilAllow.Check("https://anything.example/path"))
}

func TestAllowlistRejectsBadEntry(t *testing.T) {
	_, err := NewAllowlist([]string{"https://has-scheme.example"})
	assert.Error(t, err)
}

func TestAllowlistTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	allow, err := NewAllowlist([]string{"127.0.0.1"})
	require.NoError(t, err)

	client := &http.Client{Transport: allow.Transport(nil)}

	res, err := client.Get(srv.URL)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	_, err = client.Get("http://blocked.invalid/path")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHostNotAllowed)
}
