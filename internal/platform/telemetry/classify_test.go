package telemetry

import (
	"strings"
	"testing"
)

func TestClassify_ByKeyword(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		wantMaster string
	}{
		{"db connection", "database connection timeout after 5s", CodeDBConnection},
		{"pool exhausted", "pgx: connection pool exhausted", CodeDBConnection},
		{"query", "query failed: syntax error at position 12", CodeDBQuery},
		{"duplicate key", "ERROR: duplicate key value violates unique constraint", CodeDBQuery},
		{"auth", "token expired for connection epic-prod", CodeAuthorization},
		{"invalid grant", "oauth server returned invalid_grant", CodeAuthorization},
		{"validation", "validation failed: missing required field 'name'", CodeValidation},
		{"fhir", "FHIR bundle entry 3 has no resourceType", CodeEHRFHIR},
		{"sync", "sync job 42 aborted: conflict detected on Patient/9", CodeEHRSync},
		{"filesystem", "open /var/data/export.tmp: permission denied", CodeFileSystem},
		{"api", "upstream returned unexpected status 502", CodeAPIIntegration},
		{"bare timeout", "request timed out", CodeNetwork},
		{"connection reset", "read tcp 10.0.0.4:443: connection reset by peer", CodeNetwork},
		{"unknown", "something inexplicable happened", CodeSystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl := Classify(Event{Message: tt.message})
			if cl.MasterCode != tt.wantMaster {
				t.Errorf("MasterCode = %q, want %q", cl.MasterCode, tt.wantMaster)
			}
		})
	}
}

func TestClassify_DBBeforeNetwork(t *testing.T) {
	// A db connection timeout mentions both "connection" and "timeout";
	// it must file under the database code, not the generic network one.
	cl := Classify(Event{Message: "database connection timeout"})
	if cl.MasterCode != CodeDBConnection {
		t.Errorf("MasterCode = %q, want %q", cl.MasterCode, CodeDBConnection)
	}
}

func TestClassify_SubCodeWins(t *testing.T) {
	// An explicit known sub-code overrides whatever the message says.
	cl := Classify(Event{Message: "request timed out", SubCode: "DB_TIMEOUT"})
	if cl.MasterCode != CodeDBConnection {
		t.Errorf("MasterCode = %q, want %q", cl.MasterCode, CodeDBConnection)
	}
	if cl.SubCode != "DB_TIMEOUT" {
		t.Errorf("SubCode = %q, want DB_TIMEOUT", cl.SubCode)
	}
}

func TestClassify_UnknownSubCodeFallsBackToMessage(t *testing.T) {
	cl := Classify(Event{Message: "database connection refused", SubCode: "MADE_UP_CODE"})
	if cl.MasterCode != CodeDBConnection {
		t.Errorf("MasterCode = %q, want %q", cl.MasterCode, CodeDBConnection)
	}
	if cl.SubCode != "" {
		t.Errorf("SubCode = %q, want empty", cl.SubCode)
	}
}

func TestClassify_SeverityDefaults(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"database connection refused", SeverityHigh},
		{"token expired", SeverityHigh},
		{"validation failed: bad date", SeverityLow},
		{"sync job stalled, sync failed", SeverityMedium},
		{"totally unknown condition", SeverityHigh}, // SYSTEM_ERROR
	}
	for _, tt := range tests {
		cl := Classify(Event{Message: tt.message})
		if cl.Severity != tt.want {
			t.Errorf("Classify(%q).Severity = %q, want %q", tt.message, cl.Severity, tt.want)
		}
	}
}

func TestClassify_CallerSeverityRespected(t *testing.T) {
	cl := Classify(Event{Message: "validation failed", Severity: SeverityCritical})
	if cl.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want CRITICAL", cl.Severity)
	}
}

func TestClassify_InvalidSeverityReplaced(t *testing.T) {
	cl := Classify(Event{Message: "validation failed", Severity: "URGENT"})
	if cl.Severity != SeverityLow {
		t.Errorf("Severity = %q, want LOW default", cl.Severity)
	}
}

func TestMatchCompliance(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantCat string
		wantHit bool
	}{
		{"unauthorized patient access", "unauthorized access to patient medical records", CategoryUnauthorizedAccess, true},
		{"phi", "PHI disclosure detected in export bundle", CategoryPHIDisclosure, true},
		{"encryption", "encryption failure on token store", CategoryInsufficientEncryption, true},
		{"audit", "audit trail missing for connection 7", CategoryMissingAuditLogs, true},
		{"generic hipaa", "possible HIPAA issue flagged by reviewer", CategoryGenericViolation, true},
		{"operational", "database connection timeout", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, ok := MatchCompliance(tt.message)
			if ok != tt.wantHit {
				t.Fatalf("hit = %v, want %v", ok, tt.wantHit)
			}
			if cat != tt.wantCat {
				t.Errorf("category = %q, want %q", cat, tt.wantCat)
			}
		})
	}
}

func TestFingerprint_NormalizesVolatileParts(t *testing.T) {
	a := Fingerprint("query failed for patient 123", CodeDBQuery, "/fhir/Patient")
	b := Fingerprint("Query  Failed for patient 987", CodeDBQuery, "/fhir/Patient")
	if a != b {
		t.Error("messages differing only in digits and case should share a fingerprint")
	}

	c := Fingerprint("sync aborted for job 550e8400-e29b-41d4-a716-446655440000", CodeEHRSync, "/jobs")
	d := Fingerprint("sync aborted for job 123e4567-e89b-12d3-a456-426614174000", CodeEHRSync, "/jobs")
	if c != d {
		t.Error("messages differing only in uuids should share a fingerprint")
	}
}

func TestFingerprint_DistinguishesCodeAndEndpoint(t *testing.T) {
	base := Fingerprint("timeout", CodeNetwork, "/a")
	if Fingerprint("timeout", CodeDBConnection, "/a") == base {
		t.Error("different master codes must not collide")
	}
	if Fingerprint("timeout", CodeNetwork, "/b") == base {
		t.Error("different endpoints must not collide")
	}
}

func TestFingerprint_IsHex(t *testing.T) {
	fp := Fingerprint("x", CodeSystem, "")
	if len(fp) != 64 {
		t.Errorf("len = %d, want 64", len(fp))
	}
	if strings.ToLower(fp) != fp {
		t.Error("fingerprint should be lowercase hex")
	}
}

func TestCanTransitionIncident(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{IncidentDetected, IncidentAcknowledged, true},
		{IncidentDetected, IncidentInvestigating, true},
		{IncidentDetected, IncidentClosed, false},
		{IncidentAcknowledged, IncidentInvestigating, true},
		{IncidentAcknowledged, IncidentDetected, false},
		{IncidentInvestigating, IncidentContained, true},
		{IncidentInvestigating, IncidentClosed, false},
		{IncidentContained, IncidentReported, true},
		{IncidentContained, IncidentRemediated, true},
		{IncidentReported, IncidentRemediated, true},
		{IncidentRemediated, IncidentClosed, true},
		{IncidentClosed, IncidentDetected, false},
		{IncidentClosed, IncidentRemediated, false},
	}
	for _, tt := range tests {
		if got := CanTransitionIncident(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionIncident(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
