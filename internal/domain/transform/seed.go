package transform

import (
	"context"

	"github.com/google/uuid"
)

// genderIn maps the single-letter administrative-gender codes some vendors
// still emit to FHIR values; genderOut is its inverse. Vendors already
// sending FHIR values pass through untouched.
var genderIn = map[string]string{
	"M": "male", "F": "female", "O": "other", "U": "unknown",
}

var genderOut = map[string]string{
	"male": "M", "female": "F", "other": "O", "unknown": "U",
}

// legacyGenderVendors are the vendors whose sandboxes emit letter codes.
var legacyGenderVendors = map[string]bool{
	"allscripts": true, "meditech": true, "nextgen": true,
}

// DefaultRules returns the starter rule set loaded by the seed command:
// Patient demographics for every supported vendor, inbound and outbound
// kept symmetric so a record survives a round trip.
func DefaultRules(vendors []string) []*Rule {
	var out []*Rule
	for _, vendor := range vendors {
		out = append(out, patientRules(vendor)...)
	}
	return out
}

func patientRules(vendor string) []*Rule {
	mk := func(direction string, priority int, kind string) *Rule {
		return &Rule{
			ID:           uuid.New(),
			Vendor:       vendor,
			ResourceType: "Patient",
			Direction:    direction,
			Kind:         kind,
			Priority:     priority,
			Enabled:      true,
		}
	}

	rules := []*Rule{}

	copyBoth := func(priority int, path string) {
		in := mk(DirectionInbound, priority, KindFieldMapping)
		in.SourcePath, in.TargetPath = path, path
		out := mk(DirectionOutbound, priority, KindFieldMapping)
		out.SourcePath, out.TargetPath = path, path
		rules = append(rules, in, out)
	}

	copyBoth(10, "birthDate")
	copyBoth(10, "name.0.given.0")
	copyBoth(10, "name.0.family")
	copyBoth(20, "telecom.0.value")
	copyBoth(20, "address.0.city")
	copyBoth(20, "address.0.postalCode")

	if legacyGenderVendors[vendor] {
		in := mk(DirectionInbound, 30, KindValueMapping)
		in.SourcePath, in.TargetPath = "gender", "gender"
		in.Mapping = genderIn
		out := mk(DirectionOutbound, 30, KindValueMapping)
		out.SourcePath, out.TargetPath = "gender", "gender"
		out.Mapping = genderOut
		rules = append(rules, in, out)
	} else {
		copyBoth(30, "gender")
	}

	// Display name is derived inbound and split back outbound.
	concat := mk(DirectionInbound, 40, KindConcat)
	concat.SourcePaths = []string{"name.0.given.0", "name.0.family"}
	concat.Separator = " "
	concat.TargetPath = "name.0.text"
	split := mk(DirectionOutbound, 40, KindSplit)
	split.SourcePath = "name.0.text"
	split.Separator = " "
	split.TargetPaths = []string{"name.0.given.0", "name.0.family"}
	rules = append(rules, concat, split)

	return rules
}

// Seed persists the default rule set, skipping nothing; callers run it
// against an empty rules table.
func (s *Service) Seed(ctx context.Context, vendors []string) (int, error) {
	rules := DefaultRules(vendors)
	for _, r := range rules {
		if err := s.rules.Create(ctx, r); err != nil {
			return 0, err
		}
	}
	return len(rules), nil
}
