package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Classification is the filing decision for one operational event.
type Classification struct {
	MasterCode string
	SubCode    string
	Severity   string
}

// keywordRules map message substrings to master codes. Rules are checked in
// order; the first match wins, so more specific rules come first.
var keywordRules = []struct {
	master   string
	keywords []string
}{
	{CodeDBConnection, []string{"database connection", "db connection", "connection pool", "pool exhausted", "pgbouncer"}},
	{CodeDBQuery, []string{"sql", "query failed", "constraint violation", "duplicate key", "deadlock", "transaction aborted"}},
	{CodeAuthorization, []string{"unauthorized", "forbidden", "token expired", "invalid token", "access denied", "invalid_grant", "authentication failed", "invalid state"}},
	{CodeValidation, []string{"validation failed", "missing required", "invalid value", "invalid format"}},
	{CodeEHRFHIR, []string{"fhir", "bundle", "resourcetype", "ndjson"}},
	{CodeEHRSync, []string{"sync job", "sync failed", "conflict detected", "queue full"}},
	{CodeFileSystem, []string{"no such file", "permission denied", "disk full", "file corrupted", "read-only file system"}},
	{CodeAPIIntegration, []string{"rate limit", "unexpected status", "bad gateway", "upstream"}},
	{CodeNetwork, []string{"timeout", "timed out", "connection refused", "connection reset", "no such host", "broken pipe", "tls handshake", "unexpected eof"}},
}

// defaultSeverity assigns a severity when the caller did not.
var defaultSeverity = map[string]string{
	CodeDBConnection:   SeverityHigh,
	CodeDBQuery:        SeverityMedium,
	CodeAPIIntegration: SeverityMedium,
	CodeEHRSync:        SeverityMedium,
	CodeEHRFHIR:        SeverityMedium,
	CodeValidation:     SeverityLow,
	CodeAuthorization:  SeverityHigh,
	CodeSystem:         SeverityHigh,
	CodeFileSystem:     SeverityMedium,
	CodeNetwork:        SeverityMedium,
}

// validSeverities guards caller-supplied severities.
var validSeverities = map[string]bool{
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

// Classify files an event under a master code. An explicit known sub-code
// wins; otherwise the message is matched against keyword rules; anything
// left over is a SYSTEM_ERROR.
func Classify(ev Event) Classification {
	cl := Classification{}

	if master, ok := masterOfSub[ev.SubCode]; ok {
		cl.MasterCode = master
		cl.SubCode = ev.SubCode
	} else {
		cl.MasterCode = classifyMessage(ev.Message)
	}

	if validSeverities[ev.Severity] {
		cl.Severity = ev.Severity
	} else {
		cl.Severity = defaultSeverity[cl.MasterCode]
	}
	return cl
}

func classifyMessage(message string) string {
	msg := strings.ToLower(message)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.master
			}
		}
	}
	return CodeSystem
}

// complianceKeywords map message substrings to compliance categories. The
// scan is ordered so specific violations match before the generic catch-all.
var complianceKeywords = []struct {
	category string
	keywords []string
}{
	{CategoryUnauthorizedAccess, []string{"unauthorized access to patient", "unauthorized access to medical", "unauthorized record access"}},
	{CategoryPHIDisclosure, []string{"protected health information", "phi disclosure", "phi exposed", "phi leak"}},
	{CategoryInsufficientEncryption, []string{"encryption failure", "unencrypted phi", "weak encryption"}},
	{CategoryMissingAuditLogs, []string{"audit log failure", "audit trail missing", "audit log tamper"}},
	{CategoryAccessControls, []string{"inadequate access control", "access control failure"}},
	{CategoryBreachNotification, []string{"breach notification"}},
	{CategoryBusinessAssociate, []string{"business associate"}},
	{CategoryMinimumNecessary, []string{"minimum necessary"}},
	{CategoryPatientRights, []string{"patient rights", "right of access denied"}},
	{CategoryRiskAnalysis, []string{"risk analysis failure", "security risk analysis"}},
	{CategoryGenericViolation, []string{"hipaa", "hitech", "compliance violation"}},
}

// MatchCompliance scans a message for compliance-relevant wording and
// returns the matched category.
func MatchCompliance(message string) (string, bool) {
	msg := strings.ToLower(message)
	for _, rule := range complianceKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category, true
			}
		}
	}
	return "", false
}

// validCategories guards caller-supplied compliance categories.
var validCategories = map[string]bool{
	CategoryUnauthorizedAccess:     true,
	CategoryPHIDisclosure:          true,
	CategoryInsufficientEncryption: true,
	CategoryMissingAuditLogs:       true,
	CategoryAccessControls:         true,
	CategoryBreachNotification:     true,
	CategoryBusinessAssociate:      true,
	CategoryMinimumNecessary:       true,
	CategoryPatientRights:          true,
	CategoryRiskAnalysis:           true,
	CategoryGenericViolation:       true,
}

var (
	uuidPattern  = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	digitPattern = regexp.MustCompile(`\d+`)
)

// normalizeMessage strips the volatile parts of an error message so that
// occurrences differing only in ids, counts, or spacing share a fingerprint.
func normalizeMessage(message string) string {
	s := strings.ToLower(strings.TrimSpace(message))
	s = uuidPattern.ReplaceAllString(s, "<id>")
	s = digitPattern.ReplaceAllString(s, "<n>")
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint identifies "the same" operational error for deduplication.
func Fingerprint(message, masterCode, endpoint string) string {
	sum := sha256.Sum256([]byte(normalizeMessage(message) + "|" + masterCode + "|" + endpoint))
	return hex.EncodeToString(sum[:])
}
