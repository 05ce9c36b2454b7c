// Package adapter is the vendor-facing edge: one adapter per EHR vendor
// behind a uniform capability interface, with per-connection request
// spacing, per-vendor concurrency ceilings, and vendor HTTP status
// translated into the error taxonomy the orchestrator retries on.
package adapter

import (
	"time"
)

// baselineResourceTypes are the US Core types every vendor exposes.
var baselineResourceTypes = []string{
	"Patient", "Observation", "Condition", "MedicationRequest",
	"AllergyIntolerance", "Immunization", "Procedure", "DocumentReference",
}

// Profile declares a vendor's integration surface.
type Profile struct {
	Vendor        string
	ResourceTypes []string
	MinInterval   time.Duration
	BulkExport    bool
	MaxConcurrent int64
}

// Supports reports whether the vendor serves a resource type.
func (p Profile) Supports(resourceType string) bool {
	for _, rt := range p.ResourceTypes {
		if rt == resourceType {
			return true
		}
	}
	return false
}

const (
	defaultMinInterval   = 200 * time.Millisecond
	defaultMaxConcurrent = 4
)

func withExtras(extras ...string) []string {
	out := make([]string, 0, len(baselineResourceTypes)+len(extras))
	out = append(out, baselineResourceTypes...)
	out = append(out, extras...)
	return out
}

// defaultProfiles carry each vendor's advertised spacing and surface.
// Config overrides intervals, ceilings, and bulk-export flags per vendor.
var defaultProfiles = map[string]Profile{
	"epic": {
		Vendor:        "epic",
		ResourceTypes: withExtras("CarePlan", "Encounter", "DiagnosticReport"),
		MinInterval:   100 * time.Millisecond,
		BulkExport:    true,
		MaxConcurrent: defaultMaxConcurrent,
	},
	"cerner": {
		Vendor:        "cerner",
		ResourceTypes: withExtras(),
		MinInterval:   defaultMinInterval,
		BulkExport:    true,
		MaxConcurrent: defaultMaxConcurrent,
	},
	"allscripts": {
		Vendor:        "allscripts",
		ResourceTypes: withExtras("Goal", "ServiceRequest"),
		MinInterval:   150 * time.Millisecond,
		BulkExport:    false,
		MaxConcurrent: defaultMaxConcurrent,
	},
	"athena": {
		Vendor:        "athena",
		ResourceTypes: withExtras(),
		MinInterval:   defaultMinInterval,
		BulkExport:    true,
		MaxConcurrent: defaultMaxConcurrent,
	},
	"eclinicalworks": {
		Vendor:        "eclinicalworks",
		ResourceTypes: withExtras(),
		MinInterval:   defaultMinInterval,
		BulkExport:    false,
		MaxConcurrent: defaultMaxConcurrent,
	},
	"nextgen": {
		Vendor:        "nextgen",
		ResourceTypes: withExtras(),
		MinInterval:   defaultMinInterval,
		BulkExport:    false,
		MaxConcurrent: defaultMaxConcurrent,
	},
	"meditech": {
		Vendor:        "meditech",
		ResourceTypes: withExtras(),
		MinInterval:   defaultMinInterval,
		BulkExport:    false,
		MaxConcurrent: defaultMaxConcurrent,
	},
}

// SupportedVendors lists every vendor tag with a built-in profile.
func SupportedVendors() []string {
	out := make([]string, 0, len(defaultProfiles))
	for v := range defaultProfiles {
		out = append(out, v)
	}
	return out
}

// Config overrides vendor profile defaults from deployment settings.
type Config struct {
	MinIntervals  map[string]time.Duration
	MaxConcurrent map[string]int64
	BulkExport    map[string]bool
}

func (c Config) apply(p Profile) Profile {
	if d, ok := c.MinIntervals[p.Vendor]; ok && d > 0 {
		p.MinInterval = d
	}
	if n, ok := c.MaxConcurrent[p.Vendor]; ok && n > 0 {
		p.MaxConcurrent = n
	}
	if b, ok := c.BulkExport[p.Vendor]; ok {
		p.BulkExport = b
	}
	return p
}
