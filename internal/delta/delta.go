// SPDX-License-Identifier: MIT

// Package delta computes the operations that reconcile the stored view
// of an artist with a provider snapshot. Diff is pure: it never reads
// the clock and never generates identifiers, so equal inputs produce
// byte-equal results. Identifiers and timestamps are stamped by the
// store when the operations are applied.
package delta

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/harmonyhub/harmony/internal/library"
)

// Operation kinds. A pruned identity emits soft_delete first and
// hard_delete second when the policy asks for both.
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpSoftDelete = "soft_delete"
	OpHardDelete = "hard_delete"
)

// Policy controls how stored releases missing from the incoming
// snapshot are handled.
type Policy struct {
	// Prune soft-deletes releases the provider no longer lists.
	Prune bool
	// HardDelete additionally drops pruned rows. The inactivation
	// audit row outlives the row itself.
	HardDelete bool
}

// Snapshot bundles an artist with its releases, either as stored in the
// library or as fetched from a provider. The stored snapshot must
// include inactive releases or prior prunes will be re-created.
type Snapshot struct {
	Artist   library.Artist
	Releases []library.Release
}

// ReleaseOp is one operation against the releases table.
type ReleaseOp struct {
	Op      string
	Release library.Release
}

// Result is the ordered operation set produced by Diff. Audits carry
// one row per change and are written in the same transaction as the
// operations they describe.
type Result struct {
	// ArtistOp is empty when the artist row is unchanged, otherwise
	// OpCreate or OpUpdate with Artist holding the merged row.
	ArtistOp   string
	Artist     library.Artist
	ReleaseOps []ReleaseOp
	Audits     []library.AuditEvent
}

// Diff reconciles current against incoming. Release identity is
// (source, source_id) when both are set, else the normalized
// (title, release_type, release_date) tuple. Matched releases with
// differing fields become updates, unmatched incoming releases become
// creates, and unmatched stored releases are pruned per policy. An
// incoming release matching an inactive stored row reactivates it.
// Operations and audits are ordered by release identity.
func Diff(current, incoming Snapshot, pol Policy) Result {
	artistKey := current.Artist.Key
	if artistKey == "" {
		artistKey = incoming.Artist.Key
	}

	var res Result
	var artistAudits []library.AuditEvent
	res.ArtistOp, res.Artist, artistAudits = diffArtist(current.Artist, incoming.Artist)

	cur := indexReleases(current.Releases)
	inc := indexReleases(incoming.Releases)

	var relAudits []library.AuditEvent

	for _, id := range sortedKeys(inc) {
		in := inc[id]
		old, ok := cur[id]
		if !ok {
			created := mergeRelease(library.Release{ArtistKey: artistKey}, in)
			res.ReleaseOps = append(res.ReleaseOps, ReleaseOp{Op: OpCreate, Release: created})
			relAudits = append(relAudits, releaseAudit(artistKey, library.EventCreated, id, nil, &created))
			continue
		}
		merged := mergeRelease(old, in)
		if merged == old {
			continue
		}
		event := library.EventUpdated
		if !old.Active() {
			event = library.EventReactivated
		}
		res.ReleaseOps = append(res.ReleaseOps, ReleaseOp{Op: OpUpdate, Release: merged})
		relAudits = append(relAudits, releaseAudit(artistKey, event, id, &old, &merged))
	}

	if pol.Prune {
		for _, id := range sortedKeys(cur) {
			if _, ok := inc[id]; ok {
				continue
			}
			old := cur[id]
			if !old.Active() {
				continue
			}
			res.ReleaseOps = append(res.ReleaseOps, ReleaseOp{Op: OpSoftDelete, Release: old})
			relAudits = append(relAudits, releaseAudit(artistKey, library.EventInactivated, id, &old, nil))
			if pol.HardDelete {
				res.ReleaseOps = append(res.ReleaseOps, ReleaseOp{Op: OpHardDelete, Release: old})
			}
		}
	}

	sort.SliceStable(res.ReleaseOps, func(i, j int) bool {
		return identity(res.ReleaseOps[i].Release) < identity(res.ReleaseOps[j].Release)
	})
	sort.Slice(relAudits, func(i, j int) bool {
		return relAudits[i].EntityID < relAudits[j].EntityID
	})

	res.Audits = append(artistAudits, relAudits...)
	return res
}

// diffArtist compares the stored artist row against the incoming one.
// A zero current artist yields a create; a name or alias change yields
// a single update op plus per-alias audit rows. The audit trail for the
// artist row itself is one row regardless of how many aliases moved.
func diffArtist(current, incoming library.Artist) (string, library.Artist, []library.AuditEvent) {
	if current.Key == "" {
		created := incoming
		created.Name = strings.TrimSpace(incoming.Name)
		created.ExternalIDs = copyAliases(incoming.ExternalIDs)
		audit := library.AuditEvent{
			ArtistKey:  incoming.Key,
			Event:      library.EventCreated,
			EntityType: library.EntityArtist,
			EntityID:   incoming.Key,
			After:      marshal(&created),
		}
		return OpCreate, created, []library.AuditEvent{audit}
	}

	aliasAudits := diffAliases(current.Key, current.ExternalIDs, incoming.ExternalIDs)
	renamed := !normEq(current.Name, incoming.Name)
	if !renamed && len(aliasAudits) == 0 {
		return "", library.Artist{}, nil
	}

	merged := current
	if renamed {
		merged.Name = strings.TrimSpace(incoming.Name)
	}
	merged.ExternalIDs = copyAliases(incoming.ExternalIDs)
	audits := append([]library.AuditEvent{{
		ArtistKey:  current.Key,
		Event:      library.EventUpdated,
		EntityType: library.EntityArtist,
		EntityID:   current.Key,
		Before:     marshal(&current),
		After:      marshal(&merged),
	}}, aliasAudits...)
	return OpUpdate, merged, audits
}

// diffAliases emits one audit row per external id that was added,
// removed, or repointed, ordered by alias key.
func diffAliases(artistKey string, current, incoming map[string]string) []library.AuditEvent {
	seen := make(map[string]struct{}, len(current)+len(incoming))
	for k := range current {
		seen[k] = struct{}{}
	}
	for k := range incoming {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []library.AuditEvent
	for _, k := range keys {
		before, inCurrent := current[k]
		after, inIncoming := incoming[k]
		before = strings.TrimSpace(before)
		after = strings.TrimSpace(after)
		switch {
		case inCurrent && inIncoming && before == after:
			continue
		case !inCurrent:
			out = append(out, aliasAudit(artistKey, library.EventCreated, k, "", after))
		case !inIncoming:
			out = append(out, aliasAudit(artistKey, library.EventInactivated, k, before, ""))
		default:
			out = append(out, aliasAudit(artistKey, library.EventUpdated, k, before, after))
		}
	}
	return out
}

// identity returns the matching key for a release. Releases carrying
// both source and source id match on those; all others fall back to the
// normalized content tuple. The two forms are prefixed so they can
// never collide.
func identity(r library.Release) string {
	src := norm(r.Source)
	sid := strings.TrimSpace(r.SourceID)
	if src != "" && sid != "" {
		return "id|" + src + "|" + sid
	}
	return "tuple|" + norm(r.Title) + "|" + norm(r.ReleaseType) + "|" + norm(r.ReleaseDate)
}

// indexReleases maps releases by identity. When two releases share one
// identity the winner is chosen by fixed field order so the result does
// not depend on input order.
func indexReleases(releases []library.Release) map[string]library.Release {
	idx := make(map[string]library.Release, len(releases))
	for _, r := range releases {
		id := identity(r)
		if prev, ok := idx[id]; ok && !preferRelease(r, prev) {
			continue
		}
		idx[id] = r
	}
	return idx
}

// preferRelease reports whether a beats b as the representative of a
// duplicated identity. Active rows win over inactive ones.
func preferRelease(a, b library.Release) bool {
	if a.Active() != b.Active() {
		return a.Active()
	}
	if a.Title != b.Title {
		return a.Title < b.Title
	}
	if a.ReleaseType != b.ReleaseType {
		return a.ReleaseType < b.ReleaseType
	}
	if a.ReleaseDate != b.ReleaseDate {
		return a.ReleaseDate < b.ReleaseDate
	}
	if a.TrackCount != b.TrackCount {
		return a.TrackCount > b.TrackCount
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	return a.ID < b.ID
}

// mergeRelease applies the incoming fields onto the stored row. Strings
// that differ only in case or surrounding whitespace keep the stored
// spelling, so mergeRelease(old, in) == old exactly when nothing
// material changed. The merged row is always active.
func mergeRelease(old, in library.Release) library.Release {
	m := old
	if !normEq(old.Title, in.Title) {
		m.Title = strings.TrimSpace(in.Title)
	}
	if !normEq(old.ReleaseType, in.ReleaseType) {
		m.ReleaseType = strings.TrimSpace(in.ReleaseType)
	}
	if !normEq(old.ReleaseDate, in.ReleaseDate) {
		m.ReleaseDate = strings.TrimSpace(in.ReleaseDate)
	}
	m.TrackCount = in.TrackCount
	if s := strings.TrimSpace(in.Source); s != "" {
		m.Source = s
	}
	if s := strings.TrimSpace(in.SourceID); s != "" {
		m.SourceID = s
	}
	m.InactiveAt = nil
	m.InactiveReason = ""
	return m
}

func releaseAudit(artistKey, event, entityID string, before, after *library.Release) library.AuditEvent {
	return library.AuditEvent{
		ArtistKey:  artistKey,
		Event:      event,
		EntityType: library.EntityRelease,
		EntityID:   entityID,
		Before:     marshal(before),
		After:      marshal(after),
	}
}

func aliasAudit(artistKey, event, key, before, after string) library.AuditEvent {
	ev := library.AuditEvent{
		ArtistKey:  artistKey,
		Event:      event,
		EntityType: library.EntityAlias,
		EntityID:   key,
	}
	if before != "" {
		ev.Before = marshal(&before)
	}
	if after != "" {
		ev.After = marshal(&after)
	}
	return ev
}

// copyAliases detaches the alias map so later mutation of the input
// cannot alter the result. Values are stored trimmed.
func copyAliases(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func sortedKeys(m map[string]library.Release) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// marshal renders audit payloads. json.Marshal sorts map keys, so the
// output is deterministic for equal inputs.
func marshal[T any](v *T) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normEq(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
