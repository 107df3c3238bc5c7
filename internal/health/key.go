package health

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ReleaseKey identifies a release within a project. It is the
// join key for every per-release result the engine produces.
type ReleaseKey struct {
	ProjectID int64
	Release   string
}

// String returns the "<project>:<release>" form.
func (k ReleaseKey) String() string {
	return strconv.FormatInt(k.ProjectID, 10) + ":" + k.Release
}

// MarshalText lets ReleaseKey be used as a JSON object key.
func (k ReleaseKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the "<project>:<release>" form.
func (k *ReleaseKey) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses a selector of the form "<project>:<release>".
// The project id is split at the first colon, so release names
// may themselves contain colons.
func ParseKey(s string) (ReleaseKey, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return ReleaseKey{}, fmt.Errorf(
			"invalid release selector %q: want <project>:<release>", s,
		)
	}
	id, err := strconv.ParseInt(s[:idx], 10, 64)
	if err != nil {
		return ReleaseKey{}, fmt.Errorf(
			"invalid project id in selector %q: %w", s, err,
		)
	}
	return ReleaseKey{ProjectID: id, Release: s[idx+1:]}, nil
}

// KeySet is an unordered set of release keys.
type KeySet map[ReleaseKey]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...ReleaseKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set.
func (s KeySet) Has(k ReleaseKey) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the keys ordered by project then release, for
// stable output.
func (s KeySet) Sorted() []ReleaseKey {
	out := make([]ReleaseKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].Release < out[j].Release
	})
	return out
}

// selectorFilter turns a selector list into the project and
// release IN lists sent to the store. The store answers the
// cross product, so callers must discard rows whose key is not
// in the returned set.
func selectorFilter(keys []ReleaseKey) (Filter, KeySet) {
	set := NewKeySet(keys...)
	seenProject := make(map[int64]bool)
	seenRelease := make(map[string]bool)
	var f Filter
	for _, k := range keys {
		if !seenProject[k.ProjectID] {
			seenProject[k.ProjectID] = true
			f.ProjectIDs = append(f.ProjectIDs, k.ProjectID)
		}
		if !seenRelease[k.Release] {
			seenRelease[k.Release] = true
			f.Releases = append(f.Releases, k.Release)
		}
	}
	return f, set
}
