// SPDX-License-Identifier: MIT

// Package spotify adapts the Spotify Web API to the gateway's Metadata
// port. The client performs single attempts only; retries, rate limits,
// and per-attempt timeouts belong to the gateway.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/harmonyhub/harmony/internal/gateway"
)

// maxPages bounds pagination loops against runaway next cursors.
const maxPages = 20

// Config wires a Client.
type Config struct {
	BaseURL string
	Token   string

	// Transport lets the caller inject the outbound allowlist. Nil uses
	// http.DefaultTransport.
	Transport http.RoundTripper

	// Cache is the optional persistent metadata tier.
	Cache *Cache
}

type Client struct {
	base  string
	token string
	http  *http.Client
	cache *Cache
}

func New(cfg Config) *Client {
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		http:  &http.Client{Transport: cfg.Transport},
		cache: cfg.Cache,
	}
}

type apiArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiArtistDetail struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	ExternalIDs map[string]string `json:"external_ids"`
}

type apiAlbum struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AlbumType   string `json:"album_type"`
	ReleaseDate string `json:"release_date"`
	TotalTracks int    `json:"total_tracks"`
}

type apiExternalIDs struct {
	ISRC string `json:"isrc"`
}

type apiTrack struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DurationMS  int            `json:"duration_ms"`
	TrackNumber int            `json:"track_number"`
	Artists     []apiArtist    `json:"artists"`
	Album       apiAlbum       `json:"album"`
	ExternalIDs apiExternalIDs `json:"external_ids"`
}

type apiTrackList struct {
	Items []apiTrack `json:"items"`
}

type apiSearchResponse struct {
	Tracks apiTrackList `json:"tracks"`
}

type apiAlbumsPage struct {
	Items []apiAlbum `json:"items"`
	Next  string     `json:"next"`
}

type apiPlaylistOwner struct {
	DisplayName string `json:"display_name"`
}

type apiPlaylistTrackItem struct {
	Track apiTrack `json:"track"`
}

type apiPlaylistTracksPage struct {
	Items []apiPlaylistTrackItem `json:"items"`
	Next  string                 `json:"next"`
}

type apiPlaylist struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Owner      apiPlaylistOwner      `json:"owner"`
	SnapshotID string                `json:"snapshot_id"`
	Tracks     apiPlaylistTracksPage `json:"tracks"`
}

func (t apiTrack) toTrack() gateway.Track {
	out := gateway.Track{
		ID:          t.ID,
		Title:       t.Name,
		Album:       t.Album.Name,
		AlbumID:     t.Album.ID,
		ISRC:        t.ExternalIDs.ISRC,
		DurationMS:  t.DurationMS,
		TrackNumber: t.TrackNumber,
	}
	if len(t.Artists) > 0 {
		out.Artist = t.Artists[0].Name
		out.ArtistID = t.Artists[0].ID
	}
	return out
}

func (a apiAlbum) toRelease() gateway.Release {
	return gateway.Release{
		ID:          a.ID,
		Title:       a.Name,
		ReleaseType: a.AlbumType,
		ReleaseDate: a.ReleaseDate,
		TrackCount:  a.TotalTracks,
	}
}

// SearchTracks runs a track search. Results are not cached: matching wants
// fresh candidates.
func (c *Client) SearchTracks(ctx context.Context, query string, limit int) ([]gateway.Track, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("type", "track")
	q.Set("limit", strconv.Itoa(limit))

	var payload apiSearchResponse
	if err := c.getJSON(ctx, "search_tracks", "/search?"+q.Encode(), &payload); err != nil {
		return nil, err
	}
	out := make([]gateway.Track, 0, len(payload.Tracks.Items))
	for _, item := range payload.Tracks.Items {
		out = append(out, item.toTrack())
	}
	return out, nil
}

// GetArtist resolves one artist's profile.
func (c *Client) GetArtist(ctx context.Context, artistID string) (*gateway.Artist, error) {
	cacheKey := "artist:" + artistID
	var cached gateway.Artist
	if c.cache.Get(cacheKey, &cached) {
		return &cached, nil
	}

	var payload apiArtistDetail
	if err := c.getJSON(ctx, "get_artist", "/artists/"+url.PathEscape(artistID), &payload); err != nil {
		return nil, err
	}
	artist := &gateway.Artist{
		ID:          payload.ID,
		Name:        payload.Name,
		ExternalIDs: payload.ExternalIDs,
	}
	c.cache.Put(cacheKey, artist)
	return artist, nil
}

// GetArtistAlbums lists an artist's albums, singles, and compilations,
// following pagination.
func (c *Client) GetArtistAlbums(ctx context.Context, artistID string) ([]gateway.Release, error) {
	cacheKey := "albums:" + artistID
	var cached []gateway.Release
	if c.cache.Get(cacheKey, &cached) {
		return cached, nil
	}

	q := url.Values{}
	q.Set("include_groups", "album,single,compilation")
	q.Set("limit", "50")
	next := c.base + "/artists/" + url.PathEscape(artistID) + "/albums?" + q.Encode()

	var out []gateway.Release
	for page := 0; next != "" && page < maxPages; page++ {
		var payload apiAlbumsPage
		if err := c.getURL(ctx, "get_artist_albums", next, &payload); err != nil {
			return nil, err
		}
		for _, item := range payload.Items {
			out = append(out, item.toRelease())
		}
		next = payload.Next
	}

	c.cache.Put(cacheKey, out)
	return out, nil
}

// GetTrack resolves one track by id.
func (c *Client) GetTrack(ctx context.Context, trackID string) (*gateway.Track, error) {
	cacheKey := "track:" + trackID
	var cached gateway.Track
	if c.cache.Get(cacheKey, &cached) {
		return &cached, nil
	}

	var payload apiTrack
	if err := c.getJSON(ctx, "get_track", "/tracks/"+url.PathEscape(trackID), &payload); err != nil {
		return nil, err
	}
	track := payload.toTrack()
	c.cache.Put(cacheKey, track)
	return &track, nil
}

// GetPlaylist resolves a playlist with all its tracks, following pagination.
func (c *Client) GetPlaylist(ctx context.Context, playlistID string) (*gateway.Playlist, error) {
	cacheKey := "playlist:" + playlistID
	var cached gateway.Playlist
	if c.cache.Get(cacheKey, &cached) {
		return &cached, nil
	}

	var payload apiPlaylist
	if err := c.getJSON(ctx, "get_playlist", "/playlists/"+url.PathEscape(playlistID), &payload); err != nil {
		return nil, err
	}

	pl := &gateway.Playlist{
		ID:         payload.ID,
		Name:       payload.Name,
		Owner:      payload.Owner.DisplayName,
		SnapshotID: payload.SnapshotID,
	}
	for _, item := range payload.Tracks.Items {
		pl.Tracks = append(pl.Tracks, item.Track.toTrack())
	}

	next := payload.Tracks.Next
	for page := 0; next != "" && page < maxPages; page++ {
		var more apiPlaylistTracksPage
		if err := c.getURL(ctx, "get_playlist", next, &more); err != nil {
			return nil, err
		}
		for _, item := range more.Items {
			pl.Tracks = append(pl.Tracks, item.Track.toTrack())
		}
		next = more.Next
	}

	c.cache.Put(cacheKey, pl)
	return pl, nil
}

// GetTrackByISRC resolves a track by recording code. Unknown codes return
// (nil, nil); only positive results are cached.
func (c *Client) GetTrackByISRC(ctx context.Context, isrc string) (*gateway.Track, error) {
	cacheKey := "isrc:" + isrc
	var cached gateway.Track
	if c.cache.Get(cacheKey, &cached) {
		return &cached, nil
	}

	q := url.Values{}
	q.Set("q", "isrc:"+isrc)
	q.Set("type", "track")
	q.Set("limit", "1")

	var payload apiSearchResponse
	if err := c.getJSON(ctx, "get_track_by_isrc", "/search?"+q.Encode(), &payload); err != nil {
		return nil, err
	}
	if len(payload.Tracks.Items) == 0 {
		return nil, nil
	}
	track := payload.Tracks.Items[0].toTrack()
	c.cache.Put(cacheKey, track)
	return &track, nil
}

// CheckHealth probes the markets endpoint, the cheapest authenticated read.
func (c *Client) CheckHealth(ctx context.Context) (gateway.Health, error) {
	var payload struct {
		Markets []string `json:"markets"`
	}
	if err := c.getJSON(ctx, "check_health", "/markets", &payload); err != nil {
		return gateway.Health{}, err
	}
	return gateway.Health{Status: "ok"}, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	return c.getURL(ctx, op, c.base+path, out)
}

func (c *Client) getURL(ctx context.Context, op, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return gateway.TransportError(gateway.ProviderSpotify, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return gateway.TransportError(gateway.ProviderSpotify, op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return gateway.StatusError(gateway.ProviderSpotify, op, res, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return gateway.DecodeError(gateway.ProviderSpotify, op, fmt.Errorf("decode %s: %w", op, err))
	}
	return nil
}
