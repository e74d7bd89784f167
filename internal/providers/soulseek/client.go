// SPDX-License-Identifier: MIT

// Package soulseek adapts an slskd-compatible peer daemon to the gateway's
// Peer port. Searches on the daemon are asynchronous; SearchPeer hides the
// initiate-poll-collect cycle behind one call.
package soulseek

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/harmonyhub/harmony/internal/gateway"
)

// Config wires a Client.
type Config struct {
	BaseURL string
	Token   string // sent as X-API-Key

	// Transport lets the caller inject the outbound allowlist. Nil uses
	// http.DefaultTransport.
	Transport http.RoundTripper

	// PollInterval paces the search status polls. Zero means 250ms.
	PollInterval time.Duration
}

type Client struct {
	base string
	key  string
	http *http.Client
	poll time.Duration
}

func New(cfg Config) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		key:  cfg.Token,
		http: &http.Client{Transport: cfg.Transport},
		poll: poll,
	}
}

type apiSearch struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type apiFile struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	BitRate   int    `json:"bitRate"`
	Length    int    `json:"length"`
	Extension string `json:"extension"`
}

type apiSearchResponse struct {
	Username          string    `json:"username"`
	HasFreeUploadSlot bool      `json:"hasFreeUploadSlot"`
	QueueLength       int       `json:"queueLength"`
	Files             []apiFile `json:"files"`
}

type apiDownload struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type apiApplication struct {
	State   string `json:"state"`
	Version string `json:"version"`
}

type searchRequest struct {
	SearchText string `json:"searchText"`
}

type downloadRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// SearchPeer initiates a search and polls until the daemon marks it
// completed, then flattens every offered file into one candidate list.
func (c *Client) SearchPeer(ctx context.Context, query string) ([]gateway.PeerResult, error) {
	var created apiSearch
	err := c.doJSON(ctx, "search_peer", http.MethodPost, "/searches", searchRequest{SearchText: query}, &created)
	if err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, gateway.DecodeError(gateway.ProviderSoulseek, "search_peer", fmt.Errorf("daemon returned no search id"))
	}

	searchPath := "/searches/" + url.PathEscape(created.ID)
	state := created.State
	for !strings.HasPrefix(state, "Completed") {
		select {
		case <-ctx.Done():
			return nil, gateway.TransportError(gateway.ProviderSoulseek, "search_peer", ctx.Err())
		case <-time.After(c.poll):
		}

		var cur apiSearch
		if err := c.doJSON(ctx, "search_peer", http.MethodGet, searchPath, nil, &cur); err != nil {
			return nil, err
		}
		state = cur.State
	}

	var responses []apiSearchResponse
	if err := c.doJSON(ctx, "search_peer", http.MethodGet, searchPath+"/responses", nil, &responses); err != nil {
		return nil, err
	}

	var out []gateway.PeerResult
	for _, res := range responses {
		for _, f := range res.Files {
			format := f.Extension
			if format == "" {
				format = strings.TrimPrefix(path.Ext(f.Filename), ".")
			}
			out = append(out, gateway.PeerResult{
				Username:    res.Username,
				Filename:    f.Filename,
				SizeBytes:   f.Size,
				Format:      strings.ToLower(format),
				BitrateKbps: f.BitRate,
				DurationSec: f.Length,
				FreeSlot:    res.HasFreeUploadSlot,
				QueueLength: res.QueueLength,
			})
		}
	}
	return out, nil
}

// EnqueueDownload asks the daemon to pull files from one peer.
func (c *Client) EnqueueDownload(ctx context.Context, username string, files []gateway.FileRequest) (gateway.DownloadTicket, error) {
	if username == "" || len(files) == 0 {
		return gateway.DownloadTicket{}, gateway.DecodeError(gateway.ProviderSoulseek, "enqueue_peer_download",
			fmt.Errorf("username and files are required"))
	}

	payload := make([]downloadRequest, 0, len(files))
	for _, f := range files {
		payload = append(payload, downloadRequest{Filename: f.Filename, Size: f.SizeBytes})
	}

	var created apiDownload
	err := c.doJSON(ctx, "enqueue_peer_download", http.MethodPost,
		"/transfers/downloads/"+url.PathEscape(username), payload, &created)
	if err != nil {
		return gateway.DownloadTicket{}, err
	}
	if created.ID == "" {
		return gateway.DownloadTicket{}, gateway.DecodeError(gateway.ProviderSoulseek, "enqueue_peer_download",
			fmt.Errorf("daemon returned no download id"))
	}
	return gateway.DownloadTicket{ID: created.ID, Username: username}, nil
}

// PollDownload maps the daemon's composite transfer state onto the port's
// coarse states.
func (c *Client) PollDownload(ctx context.Context, ticket gateway.DownloadTicket) (gateway.DownloadState, error) {
	var cur apiDownload
	err := c.doJSON(ctx, "poll_download", http.MethodGet, ticketPath(ticket), nil, &cur)
	if err != nil {
		return "", err
	}
	return mapDownloadState(cur.State), nil
}

// CancelDownload aborts a ticket. A ticket the daemon no longer knows
// counts as cancelled.
func (c *Client) CancelDownload(ctx context.Context, ticket gateway.DownloadTicket) error {
	err := c.doJSON(ctx, "cancel_download", http.MethodDelete, ticketPath(ticket), nil, nil)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil
	}
	return err
}

// CheckHealth reads the daemon's application state. Connected means ok,
// anything else running is degraded.
func (c *Client) CheckHealth(ctx context.Context) (gateway.Health, error) {
	var app apiApplication
	if err := c.doJSON(ctx, "check_health", http.MethodGet, "/application", nil, &app); err != nil {
		return gateway.Health{}, err
	}
	if strings.Contains(app.State, "Connected") {
		return gateway.Health{Status: "ok"}, nil
	}
	return gateway.Health{Status: "degraded", Detail: "daemon state: " + app.State}, nil
}

func ticketPath(ticket gateway.DownloadTicket) string {
	return "/transfers/downloads/" + url.PathEscape(ticket.Username) + "/" + url.PathEscape(ticket.ID)
}

// mapDownloadState folds slskd's composite states ("Completed, Succeeded")
// onto the port vocabulary. Order matters: terminal qualifiers win over the
// Completed prefix.
func mapDownloadState(s string) gateway.DownloadState {
	switch {
	case strings.Contains(s, "Succeeded"):
		return gateway.DownloadCompleted
	case strings.Contains(s, "Cancelled"):
		return gateway.DownloadCancelled
	case strings.Contains(s, "Errored"), strings.Contains(s, "TimedOut"), strings.Contains(s, "Rejected"):
		return gateway.DownloadFailed
	case strings.Contains(s, "InProgress"):
		return gateway.DownloadInProgress
	default:
		return gateway.DownloadQueued
	}
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return gateway.DecodeError(gateway.ProviderSoulseek, op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return gateway.TransportError(gateway.ProviderSoulseek, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return gateway.TransportError(gateway.ProviderSoulseek, op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return gateway.StatusError(gateway.ProviderSoulseek, op, res, strings.TrimSpace(string(raw)))
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return gateway.DecodeError(gateway.ProviderSoulseek, op, fmt.Errorf("decode %s: %w", op, err))
	}
	return nil
}
