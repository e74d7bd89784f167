// SPDX-License-Identifier: MIT

package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Skip reasons reported per rejected submission entry.
const (
	ReasonUnparseable     = "unparseable"
	ReasonEmpty           = "empty"
	ReasonDuplicate       = "duplicate"
	ReasonLineCap         = "over_line_cap"
	ReasonLinkCap         = "over_link_cap"
	ReasonTrackCap        = "over_track_cap"
	ReasonUnsupportedLink = "unsupported_link"
)

// record is one parsed submission entry before normalization. A non-empty
// playlistID marks a link record; fromLines marks entries that count
// against the free-tier line cap (pasted lines and upload rows).
type record struct {
	raw        string
	artist     string
	title      string
	album      string
	playlistID string
	fromLines  bool
}

type jsonTrack struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	Album  string `json:"album"`
}

// bareIDRe matches provider playlist ids pasted without a URL around them.
var bareIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// parseLine classifies one non-blank submission line. The returned reason
// is empty for a usable record. Recognized forms, first match wins:
// a JSON object, a playlist link, "Artist - Title[ - Album]", a CSV row,
// and a bare title.
func parseLine(line string) (record, string) {
	switch {
	case strings.HasPrefix(line, "{"):
		var t jsonTrack
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			return record{}, ReasonUnparseable
		}
		return record{raw: line, artist: t.Artist, title: t.Title, album: t.Album}, ""
	case isLink(line):
		id := extractPlaylistID(line)
		if id == "" {
			return record{}, ReasonUnsupportedLink
		}
		return record{raw: line, playlistID: id}, ""
	}
	if artist, rest, ok := strings.Cut(line, " - "); ok {
		// Extra dash segments fold into the album so annotated pastes
		// like "Artist - Title - Album - 2011" stay usable.
		title, album, _ := strings.Cut(rest, " - ")
		return record{raw: line, artist: artist, title: title, album: album}, ""
	}
	if strings.Contains(line, ",") {
		parts := strings.SplitN(line, ",", 3)
		rec := record{raw: line, artist: parts[0]}
		if len(parts) > 1 {
			rec.title = parts[1]
		}
		if len(parts) > 2 {
			rec.album = parts[2]
		}
		return rec, ""
	}
	return record{raw: line, title: line}, ""
}

func isLink(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "spotify:")
}

// extractPlaylistID pulls the playlist id out of a provider URI or URL.
// Returns "" when s names no playlist.
func extractPlaylistID(s string) string {
	if rest, ok := strings.CutPrefix(s, "spotify:playlist:"); ok {
		if bareIDRe.MatchString(rest) {
			return rest
		}
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segs {
		if seg == "playlist" && i+1 < len(segs) && bareIDRe.MatchString(segs[i+1]) {
			return segs[i+1]
		}
	}
	return ""
}

// parseUpload turns an uploaded file into records. Structural problems
// (unknown content type, malformed CSV or JSON) reject the whole upload;
// per-row problems become skips.
func parseUpload(u *Upload) ([]record, []SkippedItem, error) {
	ct := u.ContentType
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "", "text/plain":
		return parseTextUpload(u.Bytes)
	case "text/csv":
		return parseCSVUpload(u.Bytes)
	case "application/json":
		recs, err := parseJSONUpload(u.Bytes)
		return recs, nil, err
	default:
		return nil, nil, fmt.Errorf("%w: unsupported upload content type %q", ErrInvalid, u.ContentType)
	}
}

func parseTextUpload(b []byte) ([]record, []SkippedItem, error) {
	var (
		recs    []record
		skipped []SkippedItem
	)
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, reason := parseLine(line)
		if reason != "" {
			skipped = append(skipped, SkippedItem{Input: line, Reason: reason})
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: unreadable text upload: %v", ErrInvalid, err)
	}
	return recs, skipped, nil
}

func parseCSVUpload(b []byte) ([]record, []SkippedItem, error) {
	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed csv upload: %v", ErrInvalid, err)
	}

	var (
		recs    []record
		skipped []SkippedItem
	)
	for i, row := range rows {
		if i == 0 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "artist") {
			continue // header row
		}
		raw := strings.Join(row, ",")
		if strings.TrimSpace(raw) == "" {
			continue
		}
		rec := record{raw: raw}
		switch {
		case len(row) == 1:
			rec.title = row[0]
		default:
			rec.artist = row[0]
			rec.title = row[1]
			if len(row) > 2 {
				rec.album = strings.Join(row[2:], " ")
			}
		}
		recs = append(recs, rec)
	}
	return recs, skipped, nil
}

func parseJSONUpload(b []byte) ([]record, error) {
	var tracks []jsonTrack
	if err := json.Unmarshal(b, &tracks); err != nil {
		return nil, fmt.Errorf("%w: malformed json upload: %v", ErrInvalid, err)
	}
	recs := make([]record, 0, len(tracks))
	for _, t := range tracks {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("ingest: remarshal upload track: %w", err)
		}
		recs = append(recs, record{raw: string(raw), artist: t.Artist, title: t.Title, album: t.Album})
	}
	return recs, nil
}

// clean trims s, collapses inner whitespace, and applies NFC so visually
// identical submissions store identical bytes.
func clean(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}
