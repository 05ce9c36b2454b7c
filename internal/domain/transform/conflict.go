package transform

import (
	"strings"
	"time"

	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// Policy drives automatic conflict resolution. Checks run in order:
// per-field override, remote-authoritative, newest-wins on meta.lastUpdated,
// then manual (the field write is blocked until resolved).
type Policy struct {
	// Overrides pins a resolution per field path.
	Overrides map[string]string
	// RemoteAuthoritative names fields the vendor always wins.
	RemoteAuthoritative map[string]bool
}

// systemPaths never conflict; they identify the record rather than describe
// it.
var systemPaths = map[string]bool{
	"id":           true,
	"resourceType": true,
}

func isSystemPath(path string) bool {
	return systemPaths[path] || strings.HasPrefix(path, "meta.")
}

// Detect compares the current local record against the transformed remote
// record field by field and returns one Conflict per divergent field. Fields
// only one side defines are not conflicts; neither are remote-authoritative
// fields.
func Detect(local, remote fhirdoc.Document, policy Policy) []*Conflict {
	localFlat := local.Flatten()
	remoteFlat := remote.Flatten()

	var out []*Conflict
	for _, path := range remote.SortedPaths() {
		if isSystemPath(path) || policy.RemoteAuthoritative[path] {
			continue
		}
		lv, ok := localFlat[path]
		if !ok {
			continue
		}
		rv := remoteFlat[path]
		if fhirdoc.ValueEqual(lv, rv) {
			continue
		}
		out = append(out, &Conflict{
			FieldPath:   path,
			LocalValue:  lv,
			RemoteValue: rv,
			DetectedAt:  time.Now().UTC(),
		})
	}
	return out
}

// Resolve picks a resolution for one detected conflict. The boolean reports
// whether the resolution is automatic; a false return means the field stays
// at its local value until someone resolves it by hand.
func Resolve(c *Conflict, local, remote fhirdoc.Document, policy Policy) (resolution string, value interface{}, auto bool) {
	if r, ok := policy.Overrides[c.FieldPath]; ok {
		switch r {
		case ResolutionLocal:
			return ResolutionLocal, c.LocalValue, true
		case ResolutionRemote:
			return ResolutionRemote, c.RemoteValue, true
		case ResolutionMerge:
			return ResolutionMerge, mergeValues(c.LocalValue, c.RemoteValue), true
		}
		return ResolutionManual, nil, false
	}
	if policy.RemoteAuthoritative[c.FieldPath] {
		return ResolutionRemote, c.RemoteValue, true
	}

	localAt, lok := local.LastUpdated()
	remoteAt, rok := remote.LastUpdated()
	if lok && rok {
		if remoteAt.After(localAt) {
			return ResolutionRemote, c.RemoteValue, true
		}
		return ResolutionLocal, c.LocalValue, true
	}

	return ResolutionManual, nil, false
}

// mergeValues unions two array values; anything else resolves to the remote
// side.
func mergeValues(local, remote interface{}) interface{} {
	la, lok := local.([]interface{})
	ra, rok := remote.([]interface{})
	if !lok || !rok {
		return remote
	}
	merged := make([]interface{}, 0, len(la)+len(ra))
	merged = append(merged, la...)
	for _, rv := range ra {
		seen := false
		for _, lv := range la {
			if fhirdoc.ValueEqual(lv, rv) {
				seen = true
				break
			}
		}
		if !seen {
			merged = append(merged, rv)
		}
	}
	return merged
}
