// Package telemetry classifies every error raised by the sync core, merges
// repeated operational errors by fingerprint, and routes compliance-relevant
// events into an immutable incident store with notification dispatch.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Severity levels for operational error records.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Master error codes. Every operational error is filed under exactly one.
const (
	CodeDBConnection   = "DB_CONNECTION_ERROR"
	CodeDBQuery        = "DB_QUERY_ERROR"
	CodeAPIIntegration = "API_INTEGRATION_ERROR"
	CodeEHRSync        = "EHR_SYNC_ERROR"
	CodeEHRFHIR        = "EHR_FHIR_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeAuthorization  = "AUTHORIZATION_ERROR"
	CodeSystem         = "SYSTEM_ERROR"
	CodeFileSystem     = "FILE_SYSTEM_ERROR"
	CodeNetwork        = "NETWORK_ERROR"
)

// subCodes maps each master code to its closed set of sub-codes. A caller
// supplying a sub-code outside every set is classified by message instead.
var subCodes = map[string][]string{
	CodeDBConnection: {
		"DB_TIMEOUT", "DB_AUTH_FAILED", "DB_POOL_EXHAUSTED",
		"DB_CONNECTION_REFUSED", "DB_HOST_UNREACHABLE",
	},
	CodeDBQuery: {
		"QUERY_SYNTAX", "QUERY_TIMEOUT", "CONSTRAINT_VIOLATION",
		"DEADLOCK_DETECTED", "TRANSACTION_ABORTED",
	},
	CodeAPIIntegration: {
		"API_BAD_REQUEST", "API_NOT_FOUND", "API_RATE_LIMITED",
		"API_CONTRACT_VIOLATION", "API_UNEXPECTED_STATUS",
	},
	CodeEHRSync: {
		"SYNC_JOB_FAILED", "SYNC_CONFLICT", "SYNC_TIMEOUT",
		"SYNC_CANCELLED", "SYNC_QUEUE_FULL", "JOB_TIMEOUT",
	},
	CodeEHRFHIR: {
		"FHIR_PARSE_FAILED", "FHIR_INVALID_RESOURCE",
		"FHIR_UNSUPPORTED_TYPE", "FHIR_BUNDLE_MALFORMED",
	},
	CodeValidation: {
		"MISSING_FIELD", "INVALID_FORMAT", "OUT_OF_RANGE", "UNKNOWN_FIELD",
	},
	CodeAuthorization: {
		"TOKEN_EXPIRED", "TOKEN_INVALID", "REFRESH_FAILED",
		"SCOPE_DENIED", "STATE_MISMATCH",
	},
	CodeSystem: {
		"PANIC_RECOVERED", "CONFIG_INVALID", "DEPENDENCY_UNAVAILABLE",
		"RESOURCE_EXHAUSTED",
	},
	CodeFileSystem: {
		"FILE_NOT_FOUND", "PERMISSION_DENIED", "DISK_FULL", "FILE_CORRUPTED",
	},
	CodeNetwork: {
		"CONNECT_TIMEOUT", "CONNECTION_REFUSED", "DNS_FAILURE",
		"TLS_HANDSHAKE_FAILED", "CONNECTION_RESET",
	},
}

// masterOfSub is the reverse index, built once at init.
var masterOfSub = func() map[string]string {
	m := make(map[string]string)
	for master, subs := range subCodes {
		for _, s := range subs {
			m[s] = master
		}
	}
	return m
}()

// Compliance categories for regulated events.
const (
	CategoryUnauthorizedAccess     = "UNAUTHORIZED_ACCESS"
	CategoryPHIDisclosure          = "PHI_DISCLOSURE"
	CategoryInsufficientEncryption = "INSUFFICIENT_ENCRYPTION"
	CategoryMissingAuditLogs       = "MISSING_AUDIT_LOGS"
	CategoryAccessControls         = "INADEQUATE_ACCESS_CONTROLS"
	CategoryBreachNotification     = "BREACH_NOTIFICATION_FAILURE"
	CategoryBusinessAssociate      = "BUSINESS_ASSOCIATE_VIOLATION"
	CategoryMinimumNecessary       = "MINIMUM_NECESSARY_VIOLATION"
	CategoryPatientRights          = "PATIENT_RIGHTS_VIOLATION"
	CategoryRiskAnalysis           = "SECURITY_RISK_ANALYSIS_FAILURE"
	CategoryGenericViolation       = "COMPLIANCE_VIOLATION"
)

// Compliance incident investigation states.
const (
	IncidentDetected      = "DETECTED"
	IncidentAcknowledged  = "ACKNOWLEDGED"
	IncidentInvestigating = "INVESTIGATING"
	IncidentContained     = "CONTAINED"
	IncidentReported      = "REPORTED"
	IncidentRemediated    = "REMEDIATED"
	IncidentClosed        = "CLOSED"
)

// incidentTransitions is the allowed status graph. Investigations only move
// forward; the regulator-report step may be skipped when no report is due.
// Closed is terminal.
var incidentTransitions = map[string][]string{
	IncidentDetected:      {IncidentAcknowledged, IncidentInvestigating},
	IncidentAcknowledged:  {IncidentInvestigating},
	IncidentInvestigating: {IncidentContained},
	IncidentContained:     {IncidentReported, IncidentRemediated},
	IncidentReported:      {IncidentRemediated},
	IncidentRemediated:    {IncidentClosed},
	IncidentClosed:        {},
}

// CanTransitionIncident reports whether an incident may move between states.
func CanTransitionIncident(from, to string) bool {
	for _, next := range incidentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Event is one error occurrence submitted to the router. Message is
// required; everything else is optional context.
type Event struct {
	Message    string                 `json:"message"`
	SubCode    string                 `json:"subCode,omitempty"`
	Endpoint   string                 `json:"endpoint,omitempty"`
	Severity   string                 `json:"severity,omitempty"`
	StackTrace string                 `json:"stackTrace,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`

	// Compliance forces compliance routing; Category may name the
	// violation. Both are also inferred from the message.
	Compliance bool   `json:"compliance,omitempty"`
	Category   string `json:"category,omitempty"`

	// Exposure facts for compliance events, when the caller knows them.
	DataExposed     bool `json:"dataExposed,omitempty"`
	RecordsAffected int  `json:"recordsAffected,omitempty"`
}

// ErrorRecord is a deduplicated operational error. Repeated occurrences of
// the same fingerprint inside the window merge into one row.
type ErrorRecord struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Fingerprint     string    `json:"fingerprint" db:"fingerprint"`
	MasterCode      string    `json:"masterCode" db:"master_code"`
	SubCode         string    `json:"subCode,omitempty" db:"sub_code"`
	Severity        string    `json:"severity" db:"severity"`
	Message         string    `json:"message" db:"message"`
	Endpoint        string    `json:"endpoint,omitempty" db:"endpoint"`
	OccurrenceCount int       `json:"occurrenceCount" db:"occurrence_count"`
	StackSamples    []string  `json:"stackSamples,omitempty" db:"stack_samples"`
	FirstSeenAt     time.Time `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt      time.Time `json:"lastSeenAt" db:"last_seen_at"`
}

// ComplianceIncident is a regulated event. Incidents are never deduplicated
// and never deleted inside the retention window; their history lives in the
// append-only audit log keyed by IncidentNumber.
type ComplianceIncident struct {
	ID              uuid.UUID              `json:"id" db:"id"`
	IncidentNumber  string                 `json:"incidentNumber" db:"incident_number"`
	Category        string                 `json:"category" db:"category"`
	Severity        string                 `json:"severity" db:"severity"`
	Message         string                 `json:"message" db:"message"`
	Endpoint        string                 `json:"endpoint,omitempty" db:"endpoint"`
	Details         map[string]interface{} `json:"details,omitempty" db:"details"`
	Status          string                 `json:"status" db:"status"`
	AssignedTo      string                 `json:"assignedTo,omitempty" db:"assigned_to"`
	DataExposed     bool                   `json:"dataExposed" db:"data_exposed"`
	RecordsAffected int                    `json:"recordsAffected" db:"records_affected"`
	DetectedAt      time.Time              `json:"detectedAt" db:"detected_at"`
	UpdatedAt       time.Time              `json:"updatedAt" db:"updated_at"`
	// NotifiedAt is set when the breach notification dispatch succeeded;
	// ReportedAt when the incident was reported to the regulator.
	NotifiedAt *time.Time `json:"notifiedAt,omitempty" db:"notified_at"`
	ReportedAt *time.Time `json:"reportedAt,omitempty" db:"reported_at"`
}

// Stats summarizes the operational error store.
type Stats struct {
	TotalRecords     int64            `json:"totalRecords"`
	TotalOccurrences int64            `json:"totalOccurrences"`
	BySeverity       map[string]int64 `json:"bySeverity"`
	ByMasterCode     map[string]int64 `json:"byMasterCode"`
	OpenIncidents    int64            `json:"openIncidents"`
}

// Outcome reports how one event was routed.
type Outcome struct {
	Compliance bool                `json:"compliance"`
	Record     *ErrorRecord        `json:"record,omitempty"`
	Incident   *ComplianceIncident `json:"incident,omitempty"`
	Deduped    bool                `json:"deduped"`
}
