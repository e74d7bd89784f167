// SPDX-License-Identifier: MIT

// Package matching scores peer search results against the track a job
// wants. Names are folded (lowercase, diacritics stripped) before
// comparison, artists match through their aliases, album names are
// compared with bracketed edition qualifiers split off, durations get
// a small tolerance window, and preferred formats rank ahead. A
// filename embedding the wanted ISRC is an exact match. Confidence is
// the weighted share of the evidence both sides actually carry, so a
// result without duration metadata is not punished for the missing
// field.
package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/harmonyhub/harmony/internal/gateway"
)

// Defaults applied by New when the config leaves a field zero.
const (
	DefaultConfidenceThreshold = 0.85
	DefaultDurationTolerance   = 2 * time.Second
)

// Component weights. Confidence divides by the weights that applied,
// so these only set the components' relative pull.
const (
	weightArtist   = 0.35
	weightTitle    = 0.35
	weightAlbum    = 0.15
	weightDuration = 0.10
	weightFormat   = 0.05

	// editionPenalty discounts an album whose base name matches but
	// whose edition qualifiers differ, such as a deluxe pressing
	// offered for a standard want.
	editionPenalty = 0.85
)

// Config tunes the scorer.
type Config struct {
	ConfidenceThreshold float64
	PreferredFormats    []string
	DurationTolerance   time.Duration
}

// Want is the track the matcher is looking for. Aliases are
// alternative artist spellings; any of them matching counts as an
// artist match.
type Want struct {
	Artist      string
	Aliases     []string
	Title       string
	Album       string
	ISRC        string
	DurationSec int
}

// WantFromTrack builds the matcher's view of a metadata track.
func WantFromTrack(t gateway.Track) Want {
	return Want{
		Artist:      t.Artist,
		Title:       t.Title,
		Album:       t.Album,
		ISRC:        t.ISRC,
		DurationSec: (t.DurationMS + 500) / 1000,
	}
}

// Candidate is one scored peer result.
type Candidate struct {
	Result     gateway.PeerResult
	Confidence float64
}

// Matcher scores and ranks peer results. It is stateless and safe for
// concurrent use.
type Matcher struct {
	threshold float64
	tolerance time.Duration
	formats   map[string]float64
}

// New builds a Matcher. Preferred formats rank by position: the first
// scores full, later entries proportionally less, unlisted formats
// zero.
func New(cfg Config) *Matcher {
	m := &Matcher{
		threshold: cfg.ConfidenceThreshold,
		tolerance: cfg.DurationTolerance,
	}
	if m.threshold <= 0 {
		m.threshold = DefaultConfidenceThreshold
	}
	if m.tolerance <= 0 {
		m.tolerance = DefaultDurationTolerance
	}
	if len(cfg.PreferredFormats) > 0 {
		m.formats = make(map[string]float64, len(cfg.PreferredFormats))
		n := len(cfg.PreferredFormats)
		for i, format := range cfg.PreferredFormats {
			key := Fold(format)
			if key == "" {
				continue
			}
			if _, ok := m.formats[key]; !ok {
				m.formats[key] = 1 - float64(i)/float64(n)
			}
		}
	}
	return m
}

// Threshold returns the confidence a candidate must reach to qualify.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Rank scores every result and returns them best first. Ties break on
// free upload slots, then shorter peer queues, higher bitrate, and
// finally username and filename so equal inputs rank identically.
func (m *Matcher) Rank(want Want, results []gateway.PeerResult) []Candidate {
	v := newWantView(want)
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{Result: r, Confidence: m.score(v, r)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Result.FreeSlot != b.Result.FreeSlot {
			return a.Result.FreeSlot
		}
		if a.Result.QueueLength != b.Result.QueueLength {
			return a.Result.QueueLength < b.Result.QueueLength
		}
		if a.Result.BitrateKbps != b.Result.BitrateKbps {
			return a.Result.BitrateKbps > b.Result.BitrateKbps
		}
		if a.Result.Username != b.Result.Username {
			return a.Result.Username < b.Result.Username
		}
		return a.Result.Filename < b.Result.Filename
	})
	return out
}

// Best returns the top candidate and whether it clears the confidence
// threshold. The candidate comes back even when it misses so callers
// can report how close the search got; only an empty result set yields
// a zero Candidate.
func (m *Matcher) Best(want Want, results []gateway.PeerResult) (Candidate, bool) {
	ranked := m.Rank(want, results)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], ranked[0].Confidence >= m.threshold
}

// wantView is the folded, tokenized form of a Want, built once per
// Rank call.
type wantView struct {
	artists      [][]string
	title        []string
	albumBase    []string
	albumEdition string
	isrc         string
	durationSec  int
}

func newWantView(w Want) wantView {
	v := wantView{
		title:       Tokens(w.Title),
		isrc:        strings.ReplaceAll(Fold(w.ISRC), " ", ""),
		durationSec: w.DurationSec,
	}
	for _, name := range append([]string{w.Artist}, w.Aliases...) {
		if ts := Tokens(name); len(ts) > 0 {
			v.artists = append(v.artists, ts)
		}
	}
	if w.Album != "" {
		base, edition := SplitEdition(w.Album)
		v.albumBase = Tokens(base)
		v.albumEdition = Fold(edition)
	}
	return v
}

func (m *Matcher) score(v wantView, r gateway.PeerResult) float64 {
	if v.isrc != "" && strings.Contains(strings.ReplaceAll(Fold(r.Filename), " ", ""), v.isrc) {
		return 1
	}

	f := parseFilename(r.Filename)
	stemTokens := Tokens(f.stem)
	haystacks := make([][]string, 0, len(f.dirs)+1)
	haystacks = append(haystacks, stemTokens)
	for _, d := range f.dirs {
		haystacks = append(haystacks, Tokens(d))
	}

	var total, applied float64

	if len(v.artists) > 0 {
		applied += weightArtist
		best := 0.0
		for _, artist := range v.artists {
			for _, hay := range haystacks {
				if s := contained(artist, hay); s > best {
					best = s
				}
			}
		}
		total += weightArtist * best
	}

	if len(v.title) > 0 {
		applied += weightTitle
		total += weightTitle * contained(v.title, stemTokens)
	}

	if len(v.albumBase) > 0 {
		applied += weightAlbum
		total += weightAlbum * m.albumScore(v, f)
	}

	if v.durationSec > 0 && r.DurationSec > 0 {
		applied += weightDuration
		diff := v.durationSec - r.DurationSec
		if diff < 0 {
			diff = -diff
		}
		if time.Duration(diff)*time.Second <= m.tolerance {
			total += weightDuration
		}
	}

	if len(m.formats) > 0 {
		applied += weightFormat
		total += weightFormat * m.formatScore(r.Format, f.ext)
	}

	if applied == 0 {
		return 0
	}
	return total / applied
}

// albumScore checks the directory segments and the stem for the wanted
// album, splitting edition qualifiers off both sides first.
func (m *Matcher) albumScore(v wantView, f parsedFile) float64 {
	best := 0.0
	score := func(segment string) {
		base, edition := SplitEdition(segment)
		s := contained(v.albumBase, Tokens(base))
		if s == 0 {
			return
		}
		if Fold(edition) != v.albumEdition {
			s *= editionPenalty
		}
		if s > best {
			best = s
		}
	}
	for _, d := range f.dirs {
		score(d)
	}
	score(f.stem)
	return best
}

func (m *Matcher) formatScore(format, ext string) float64 {
	key := Fold(format)
	if key == "" {
		key = ext
	}
	return m.formats[key]
}

// contained is the fraction of want's tokens present in hay, counted
// with multiplicity.
func contained(want, hay []string) float64 {
	if len(want) == 0 {
		return 0
	}
	set := make(map[string]int, len(hay))
	for _, t := range hay {
		set[t]++
	}
	found := 0
	for _, t := range want {
		if set[t] > 0 {
			set[t]--
			found++
		}
	}
	return float64(found) / float64(len(want))
}
