package resolve

import (
	"fmt"
	"strconv"
	"strings"
)

// RefKind distinguishes the forms a version reference can take.
type RefKind int

const (
	Latest RefKind = iota
	Relative
	Hash
)

// Ref selects one build of a service.
type Ref struct {
	Kind   RefKind
	Offset int    // Relative only; always <= 0
	Hash   string // Hash only
}

// LatestRef is the reference to the newest build.
var LatestRef = Ref{Kind: Latest}

// RelativeRef returns a reference offset builds back from the newest local one.
func RelativeRef(offset int) Ref {
	return Ref{Kind: Relative, Offset: offset}
}

// HashRef returns a reference to the build of a commit.
func HashRef(hash string) Ref {
	return Ref{Kind: Hash, Hash: hash}
}

// ParseRef interprets a user-supplied version string. "latest" and the empty
// string select the newest build, integers <= 0 select a local build
// relative to the newest, and anything else is a commit hash. Positive
// integers are hashes, since short hashes may be all digits.
func ParseRef(s string) Ref {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "latest") {
		return LatestRef
	}
	if n, err := strconv.Atoi(s); err == nil && n <= 0 {
		return RelativeRef(n)
	}
	return HashRef(s)
}

func (r Ref) String() string {
	switch r.Kind {
	case Relative:
		return strconv.Itoa(r.Offset)
	case Hash:
		return r.Hash
	default:
		return "latest"
	}
}

// Validate rejects references that ParseRef would never produce.
func (r Ref) Validate() error {
	switch r.Kind {
	case Latest:
		return nil
	case Relative:
		if r.Offset > 0 {
			return fmt.Errorf("relative version must not be positive, got %d", r.Offset)
		}
		return nil
	case Hash:
		if r.Hash == "" {
			return fmt.Errorf("hash version must not be empty")
		}
		return nil
	default:
		return fmt.Errorf("unknown version reference kind %d", r.Kind)
	}
}
