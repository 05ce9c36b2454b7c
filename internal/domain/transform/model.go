// Package transform converts records between vendor payload shape and the
// canonical internal shape through ordered rules, and detects field-level
// conflicts between local and remote values on inbound writes.
package transform

import (
	"time"

	"github.com/google/uuid"

	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// Rule kinds.
const (
	KindFieldMapping   = "FIELD_MAPPING"
	KindValueMapping   = "VALUE_MAPPING"
	KindTypeConversion = "TYPE_CONVERSION"
	KindConcat         = "CONCAT"
	KindSplit          = "SPLIT"
	KindCalculation    = "CALCULATION"
	KindConditional    = "CONDITIONAL"
	KindLookup         = "LOOKUP"
	KindCustom         = "CUSTOM"
)

var validKinds = map[string]bool{
	KindFieldMapping: true, KindValueMapping: true, KindTypeConversion: true,
	KindConcat: true, KindSplit: true, KindCalculation: true,
	KindConditional: true, KindLookup: true, KindCustom: true,
}

// Rule directions. Rules are indexed by (vendor, resource type, direction).
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Conversion targets for TYPE_CONVERSION rules.
const (
	ConvertString  = "string"
	ConvertNumber  = "number"
	ConvertBoolean = "boolean"
	ConvertDate    = "date"
	ConvertArray   = "array"
)

// Rule is one directional mapping applied during transformation. Rules for
// the same key run in ascending Priority order.
type Rule struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Vendor       string    `db:"vendor" json:"vendor"`
	ResourceType string    `db:"resource_type" json:"resourceType"`
	Direction    string    `db:"direction" json:"direction"`
	Kind         string    `db:"kind" json:"kind"`
	SourceFormat string    `db:"source_format" json:"sourceFormat,omitempty"`
	TargetFormat string    `db:"target_format" json:"targetFormat,omitempty"`
	SourcePath   string    `db:"source_path" json:"sourcePath,omitempty"`
	TargetPath   string    `db:"target_path" json:"targetPath"`

	// SourcePaths feeds CONCAT; TargetPaths receives SPLIT parts.
	SourcePaths []string `db:"source_paths" json:"sourcePaths,omitempty"`
	TargetPaths []string `db:"target_paths" json:"targetPaths,omitempty"`
	Separator   string   `db:"separator" json:"separator,omitempty"`

	// Mapping backs VALUE_MAPPING; LookupTable names a registered code
	// system for LOOKUP.
	Mapping     map[string]string `db:"mapping" json:"mapping,omitempty"`
	LookupTable string            `db:"lookup_table" json:"lookupTable,omitempty"`

	TargetType string `db:"target_type" json:"targetType,omitempty"`
	Expression string `db:"expression" json:"expression,omitempty"`
	CustomFunc string `db:"custom_func" json:"customFunc,omitempty"`

	Priority  int       `db:"priority" json:"priority"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Conflict resolutions.
const (
	ResolutionLocal  = "LOCAL"
	ResolutionRemote = "REMOTE"
	ResolutionMerge  = "MERGE"
	ResolutionManual = "MANUAL"
)

// Conflict is one detected divergence between the local record and the
// transformed remote record for a single field.
type Conflict struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	JobID        *uuid.UUID  `db:"job_id" json:"jobId,omitempty"`
	ConnectionID uuid.UUID   `db:"connection_id" json:"connectionId"`
	ResourceType string      `db:"resource_type" json:"resourceType"`
	VendorID     string      `db:"vendor_resource_id" json:"resourceId"`
	FieldPath    string      `db:"field_path" json:"fieldPath"`
	LocalValue   interface{} `db:"local_value" json:"localValue"`
	RemoteValue  interface{} `db:"remote_value" json:"remoteValue"`
	DetectedAt   time.Time   `db:"detected_at" json:"detectedAt"`
	Resolution   string      `db:"resolution" json:"resolution,omitempty"`
	ResolvedValue interface{} `db:"resolved_value" json:"resolvedValue,omitempty"`
	ResolvedBy   string      `db:"resolved_by" json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time  `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// Resolved reports whether the conflict has a recorded resolution.
func (c *Conflict) Resolved() bool { return c.ResolvedAt != nil }

// Warning is a non-fatal condition raised while applying rules in lenient
// mode.
type Warning struct {
	RuleID  uuid.UUID `json:"ruleId"`
	Path    string    `json:"path"`
	Message string    `json:"message"`
}

// Result is the output of one transformation pass.
type Result struct {
	Doc      fhirdoc.Document `json:"doc"`
	Warnings []Warning        `json:"warnings,omitempty"`
	Applied  int              `json:"applied"`
}
