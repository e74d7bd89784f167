// SPDX-License-Identifier: MIT

package matching

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, strips diacritics, and collapses every run of
// non-alphanumeric runes into a single space. "Sigur Rós" and
// "sigur ros" fold to the same string.
func Fold(s string) string {
	// The chain is stateful, so build it per call rather than sharing
	// one across goroutines.
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// Tokens returns the folded words of s.
func Tokens(s string) []string {
	f := Fold(s)
	if f == "" {
		return nil
	}
	return strings.Split(f, " ")
}

// editionRe matches bracketed edition qualifiers such as
// "(Deluxe Edition)" or "[2011 Remaster]".
var editionRe = regexp.MustCompile(`(?i)\s*[([{][^)\]}]*\b(deluxe|remaster(?:ed)?|anniversary|expanded|extended|bonus|special|collector'?s?|legacy|edition)\b[^)\]}]*[)\]}]`)

// SplitEdition separates a release title from its bracketed edition
// qualifiers. "Abbey Lane (Deluxe Edition)" yields "Abbey Lane" and
// "(Deluxe Edition)". Unbracketed qualifiers are left in the base.
func SplitEdition(title string) (base, edition string) {
	matches := editionRe.FindAllString(title, -1)
	base = strings.TrimSpace(editionRe.ReplaceAllString(title, ""))
	if len(matches) == 0 {
		return base, ""
	}
	for i, m := range matches {
		matches[i] = strings.TrimSpace(m)
	}
	return base, strings.Join(matches, " ")
}

// parsedFile is the searchable view of one peer filename: the raw
// directory segments, the base name without its extension, and the
// lowercase extension.
type parsedFile struct {
	dirs []string
	stem string
	ext  string
}

// parseFilename splits a peer-reported path. Soulseek peers report
// Windows-style separators.
func parseFilename(name string) parsedFile {
	name = strings.ReplaceAll(name, `\`, "/")
	base := path.Base(name)
	dir := path.Dir(name)

	var p parsedFile
	if i := strings.LastIndex(base, "."); i > 0 {
		p.ext = strings.ToLower(base[i+1:])
		base = base[:i]
	}
	p.stem = strings.TrimSpace(base)
	if dir != "." && dir != "/" {
		for _, seg := range strings.Split(dir, "/") {
			if seg = strings.TrimSpace(seg); seg != "" {
				p.dirs = append(p.dirs, seg)
			}
		}
	}
	return p
}
