// Package artifact models immutable build outputs and their naming convention.
//
// Every build is uploaded under a name of the form
//
//	<kind>-<YYYYMMDD>-<HHMM>-<literal>-<hash>[-<suffix>][.ext]
//
// for example "shoebox-20240102-0900-master-bbb222.zip". Names that do not
// follow this structure are not artifacts and are invisible to resolution.
package artifact

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimestampLayout is the layout of the date and time tokens joined together.
const TimestampLayout = "200601021504"

// Artifact is one immutable build output.
type Artifact struct {
	Built   time.Time // minute precision, UTC
	Kind    string
	Hash    string
	Literal string
	Suffix  string // optional sixth token
	Key     string // storage key or local entry name, as listed
	Ext     string // everything from the first dot of Key, e.g. ".zip"
	Size    int64  // remote objects only
}

// ParseError reports a name that does not follow the naming convention.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized artifact name '%s': %s", e.Name, e.Reason)
}

// Parse decomposes an artifact name. The key is kept verbatim in Key.
func Parse(key string) (Artifact, error) {
	base := key
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}

	stem, ext := base, ""
	if i := strings.Index(base, "."); i >= 0 {
		stem, ext = base[:i], base[i:]
	}

	parts := strings.Split(stem, "-")
	if len(parts) != 5 && len(parts) != 6 {
		return Artifact{}, &ParseError{Name: key, Reason: fmt.Sprintf("expected 5 or 6 dash-separated tokens, got %d", len(parts))}
	}
	for i, p := range parts {
		if p == "" {
			return Artifact{}, &ParseError{Name: key, Reason: fmt.Sprintf("token %d is empty", i+1)}
		}
	}

	if len(parts[1]) != 8 || len(parts[2]) != 4 {
		return Artifact{}, &ParseError{Name: key, Reason: "date must be YYYYMMDD and time HHMM"}
	}
	built, err := time.ParseInLocation(TimestampLayout, parts[1]+parts[2], time.UTC)
	if err != nil {
		return Artifact{}, &ParseError{Name: key, Reason: fmt.Sprintf("bad timestamp: %v", err)}
	}

	a := Artifact{
		Kind:    parts[0],
		Built:   built,
		Literal: parts[3],
		Hash:    parts[4],
		Key:     key,
		Ext:     ext,
	}
	if len(parts) == 6 {
		a.Suffix = parts[5]
	}
	return a, nil
}

// Name returns the artifact name without any extension or key prefix.
// Local cache entries are named this way.
func (a Artifact) Name() string {
	parts := []string{a.Kind, a.Built.UTC().Format("20060102"), a.Built.UTC().Format("1504"), a.Literal, a.Hash}
	if a.Suffix != "" {
		parts = append(parts, a.Suffix)
	}
	return strings.Join(parts, "-")
}

func (a Artifact) String() string {
	return fmt.Sprintf("%s at %s from commit %s", strings.ToUpper(a.Kind), a.Built.Local().Format("2006-01-02 15:04 MST"), a.Hash)
}

// ParseAll parses every key, silently dropping names that do not parse.
func ParseAll(keys []string) []Artifact {
	out := make([]Artifact, 0, len(keys))
	for _, k := range keys {
		a, err := Parse(k)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// FilterKind returns the artifacts of the given kind, preserving order.
func FilterKind(all []Artifact, kind string) []Artifact {
	var out []Artifact
	for _, a := range all {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// SortNewestFirst orders artifacts by build time, newest first. The sort is a
// stable ascending sort followed by a reversal, so among artifacts built in
// the same minute the one listed last comes first.
func SortNewestFirst(list []Artifact) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Built.Before(list[j].Built)
	})
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}

// GroupByKind groups artifacts by kind, each group newest first.
func GroupByKind(all []Artifact) map[string][]Artifact {
	byKind := make(map[string][]Artifact)
	for _, a := range all {
		byKind[a.Kind] = append(byKind[a.Kind], a)
	}
	for k := range byKind {
		SortNewestFirst(byKind[k])
	}
	return byKind
}

// FindHash returns the first artifact with the given commit hash.
func FindHash(list []Artifact, hash string) (Artifact, bool) {
	for _, a := range list {
		if a.Hash == hash {
			return a, true
		}
	}
	return Artifact{}, false
}
