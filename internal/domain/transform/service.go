package transform

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// requiredFields lists canonical fields that must survive transformation
// when a job asks for output validation. Every type requires identity;
// a few carry extra clinical minimums.
var requiredFields = map[string][]string{
	"Patient":           {"name"},
	"Observation":       {"code", "status"},
	"MedicationRequest": {"status"},
	"Condition":         {"code"},
}

// Service fetches rules per (vendor, resource type, direction), applies them
// through the engine, and reconciles inbound writes against the local record.
type Service struct {
	engine    *Engine
	rules     RuleRepository
	conflicts ConflictRepository
	logger    zerolog.Logger
}

func NewService(engine *Engine, rules RuleRepository, conflicts ConflictRepository, logger zerolog.Logger) *Service {
	return &Service{
		engine:    engine,
		rules:     rules,
		conflicts: conflicts,
		logger:    logger.With().Str("component", "transform").Logger(),
	}
}

// Inbound converts a vendor payload to canonical shape.
func (s *Service) Inbound(ctx context.Context, vendor string, doc fhirdoc.Document, opts Options) (*Result, error) {
	return s.apply(ctx, vendor, DirectionInbound, doc, opts)
}

// Outbound converts a canonical record to vendor shape.
func (s *Service) Outbound(ctx context.Context, vendor string, doc fhirdoc.Document, opts Options) (*Result, error) {
	return s.apply(ctx, vendor, DirectionOutbound, doc, opts)
}

func (s *Service) apply(ctx context.Context, vendor, direction string, doc fhirdoc.Document, opts Options) (*Result, error) {
	rt := doc.ResourceType()
	if rt == "" {
		return nil, apperror.New(apperror.CodeEHRFHIR, 502, "document has no resourceType")
	}
	rules, err := s.rules.ListForKey(ctx, vendor, rt, direction)
	if err != nil {
		return nil, err
	}
	result, err := s.engine.Apply(doc, rules, opts)
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		s.logger.Warn().
			Str("vendor", vendor).
			Str("resource_type", rt).
			Str("rule_id", w.RuleID.String()).
			Str("path", w.Path).
			Msg(w.Message)
	}
	return result, nil
}

// ReconcileParams carries one inbound record through transformation and
// conflict handling.
type ReconcileParams struct {
	JobID        *uuid.UUID
	ConnectionID uuid.UUID
	Vendor       string
	// Local is the current canonical record, nil for a first sighting.
	Local  fhirdoc.Document
	Remote fhirdoc.Document
	// ResolveConflicts auto-resolves per policy; otherwise every conflict
	// blocks its field and waits for manual resolution.
	ResolveConflicts bool
	Policy           Policy
	Options          Options
}

// ReconcileResult is the outcome of one inbound reconciliation.
type ReconcileResult struct {
	Doc       fhirdoc.Document
	Conflicts []*Conflict
	Blocked   int
	Warnings  []Warning
}

// ReconcileInbound transforms the remote record, detects conflicts against
// the local one, resolves what policy allows, and returns the document to
// persist. Blocked fields keep their local value.
func (s *Service) ReconcileInbound(ctx context.Context, p ReconcileParams) (*ReconcileResult, error) {
	result, err := s.Inbound(ctx, p.Vendor, p.Remote, p.Options)
	if err != nil {
		return nil, err
	}
	out := &ReconcileResult{Doc: result.Doc, Warnings: result.Warnings}
	if p.Local == nil {
		return out, nil
	}

	conflicts := Detect(p.Local, result.Doc, p.Policy)
	for _, c := range conflicts {
		c.JobID = p.JobID
		c.ConnectionID = p.ConnectionID
		c.ResourceType = result.Doc.ResourceType()
		c.VendorID = result.Doc.ID()

		blocked := true
		if p.ResolveConflicts {
			resolution, value, auto := Resolve(c, p.Local, result.Doc, p.Policy)
			if auto {
				c.Resolution = resolution
				c.ResolvedValue = value
				c.ResolvedBy = "policy"
				now := c.DetectedAt
				c.ResolvedAt = &now
				if err := result.Doc.SetPath(c.FieldPath, value); err != nil {
					return nil, apperror.Validation("resolving %s: %v", c.FieldPath, err)
				}
				blocked = false
			}
		}
		if blocked {
			// The field stays at its local value until resolved by hand.
			if err := result.Doc.SetPath(c.FieldPath, c.LocalValue); err != nil {
				return nil, apperror.Validation("blocking %s: %v", c.FieldPath, err)
			}
			out.Blocked++
		}
		if s.conflicts != nil {
			if err := s.conflicts.Create(ctx, c); err != nil {
				return nil, err
			}
		}
		out.Conflicts = append(out.Conflicts, c)
	}
	return out, nil
}

// ValidateOutput checks that the transformed document still carries every
// required canonical field. Callers treat a failure as critical and skip the
// record.
func (s *Service) ValidateOutput(doc fhirdoc.Document) error {
	var missing []string
	if doc.ResourceType() == "" {
		missing = append(missing, "resourceType")
	}
	if doc.ID() == "" {
		missing = append(missing, "id")
	}
	for _, f := range requiredFields[doc.ResourceType()] {
		if _, ok := doc.GetPath(f); !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return apperror.Validation("transformed %s record is missing required fields %v",
			doc.ResourceType(), missing).WithDetails(map[string]interface{}{"missing": missing})
	}
	return nil
}

// -- Rule administration --

func (s *Service) CreateRule(ctx context.Context, rule *Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.rules.Create(ctx, rule)
}

func (s *Service) UpdateRule(ctx context.Context, rule *Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.rules.Update(ctx, rule)
}

func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return s.rules.Delete(ctx, id)
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return s.rules.GetByID(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, vendor string, limit, offset int) ([]*Rule, int, error) {
	return s.rules.List(ctx, vendor, limit, offset)
}

func validateRule(rule *Rule) error {
	if !validKinds[rule.Kind] {
		return apperror.Validation("unknown rule kind %q", rule.Kind)
	}
	if rule.Direction != DirectionInbound && rule.Direction != DirectionOutbound {
		return apperror.Validation("direction must be INBOUND or OUTBOUND")
	}
	if rule.Vendor == "" || rule.ResourceType == "" {
		return apperror.Validation("vendor and resourceType are required")
	}
	switch rule.Kind {
	case KindConcat:
		if len(rule.SourcePaths) == 0 || rule.TargetPath == "" {
			return apperror.Validation("CONCAT needs sourcePaths and a targetPath")
		}
	case KindSplit:
		if rule.SourcePath == "" || len(rule.TargetPaths) == 0 {
			return apperror.Validation("SPLIT needs a sourcePath and targetPaths")
		}
	case KindCalculation, KindConditional:
		if rule.Expression == "" {
			return apperror.Validation("%s needs an expression", rule.Kind)
		}
	case KindLookup:
		if rule.LookupTable == "" {
			return apperror.Validation("LOOKUP needs a lookupTable")
		}
	case KindCustom:
		if rule.CustomFunc == "" {
			return apperror.Validation("CUSTOM needs a customFunc")
		}
	case KindTypeConversion:
		if rule.TargetType == "" {
			return apperror.Validation("TYPE_CONVERSION needs a targetType")
		}
	default:
		if rule.SourcePath == "" || rule.TargetPath == "" {
			return apperror.Validation("%s needs sourcePath and targetPath", rule.Kind)
		}
	}
	return nil
}

// -- Conflict administration --

func (s *Service) GetConflict(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	return s.conflicts.GetByID(ctx, id)
}

func (s *Service) ListOpenConflicts(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Conflict, int, error) {
	return s.conflicts.ListOpen(ctx, connectionID, limit, offset)
}

// ResolveConflict records a manual resolution.
func (s *Service) ResolveConflict(ctx context.Context, id uuid.UUID, resolution string, value interface{}, resolver string) error {
	switch resolution {
	case ResolutionLocal, ResolutionRemote, ResolutionMerge, ResolutionManual:
	default:
		return apperror.Validation("unknown resolution %q", resolution)
	}
	c, err := s.conflicts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch resolution {
	case ResolutionLocal:
		value = c.LocalValue
	case ResolutionRemote:
		value = c.RemoteValue
	case ResolutionMerge:
		value = mergeValues(c.LocalValue, c.RemoteValue)
	}
	return s.conflicts.Resolve(ctx, id, resolution, value, resolver)
}
