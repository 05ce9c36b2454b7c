package transform

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// CustomFunc is a pre-registered function invoked by CUSTOM rules. It reads
// from the input document and returns the value to write at the rule's
// target path.
type CustomFunc func(doc fhirdoc.Document, rule *Rule) (interface{}, error)

// Engine applies ordered rules to a document. One configured instance is
// created at boot and shared; RegisterLookup and RegisterFunc are not safe
// after the engine starts serving.
type Engine struct {
	eval    *evaluator
	lookups map[string]map[string]string
	custom  map[string]CustomFunc
	logger  zerolog.Logger
}

func NewEngine(logger zerolog.Logger) (*Engine, error) {
	eval, err := newEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		eval:    eval,
		lookups: make(map[string]map[string]string),
		custom:  make(map[string]CustomFunc),
		logger:  logger.With().Str("component", "transform-engine").Logger(),
	}, nil
}

// RegisterLookup installs a code-system table for LOOKUP rules.
func (e *Engine) RegisterLookup(name string, table map[string]string) {
	e.lookups[name] = table
}

// RegisterFunc installs a named function for CUSTOM rules.
func (e *Engine) RegisterFunc(name string, fn CustomFunc) {
	e.custom[name] = fn
}

// Options controls one transformation pass.
type Options struct {
	// Strict turns missing source fields into errors instead of warnings.
	Strict bool
}

// Apply runs the rules in ascending priority order against doc and returns
// the transformed output. With no rules the document passes through
// unchanged.
func (e *Engine) Apply(doc fhirdoc.Document, rules []*Rule, opts Options) (*Result, error) {
	if len(rules) == 0 {
		return &Result{Doc: doc.Clone()}, nil
	}

	ordered := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	out := fhirdoc.Document{}
	if rt := doc.ResourceType(); rt != "" {
		out["resourceType"] = rt
	}
	if id := doc.ID(); id != "" {
		out["id"] = id
	}
	if meta, ok := doc["meta"].(map[string]interface{}); ok {
		out["meta"] = map[string]interface{}(fhirdoc.Document(meta).Clone())
	}

	result := &Result{Doc: out}
	for _, rule := range ordered {
		if err := e.applyRule(doc, out, rule, opts, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) applyRule(in, out fhirdoc.Document, rule *Rule, opts Options, result *Result) error {
	switch rule.Kind {
	case KindFieldMapping:
		v, ok := in.GetPath(rule.SourcePath)
		if !ok {
			return e.missing(rule, rule.SourcePath, opts, result)
		}
		return e.write(out, rule, v, result)

	case KindValueMapping:
		v, ok := in.GetPath(rule.SourcePath)
		if !ok {
			return e.missing(rule, rule.SourcePath, opts, result)
		}
		// Unknown keys pass through unchanged.
		if mapped, ok := rule.Mapping[asString(v)]; ok {
			return e.write(out, rule, mapped, result)
		}
		return e.write(out, rule, v, result)

	case KindTypeConversion:
		v, ok := in.GetPath(rule.SourcePath)
		if !ok {
			return e.missing(rule, rule.SourcePath, opts, result)
		}
		converted, err := convertValue(v, rule.TargetType)
		if err != nil {
			if opts.Strict {
				return apperror.Validation("rule %s: %v", rule.ID, err)
			}
			result.Warnings = append(result.Warnings, Warning{RuleID: rule.ID, Path: rule.SourcePath, Message: err.Error()})
			return nil
		}
		return e.write(out, rule, converted, result)

	case KindConcat:
		// Null and missing parts are skipped rather than rendered as text.
		parts := make([]string, 0, len(rule.SourcePaths))
		for _, p := range rule.SourcePaths {
			v, ok := in.GetPath(p)
			if !ok || v == nil {
				continue
			}
			if s := asString(v); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return e.missing(rule, strings.Join(rule.SourcePaths, ","), opts, result)
		}
		return e.write(out, rule, strings.Join(parts, rule.Separator), result)

	case KindSplit:
		v, ok := in.GetPath(rule.SourcePath)
		if !ok {
			return e.missing(rule, rule.SourcePath, opts, result)
		}
		parts := strings.Split(asString(v), rule.Separator)
		for i, target := range rule.TargetPaths {
			if i >= len(parts) {
				break
			}
			if err := out.SetPath(target, parts[i]); err != nil {
				return apperror.Validation("rule %s: %v", rule.ID, err)
			}
		}
		result.Applied++
		return nil

	case KindCalculation:
		v, err := e.eval.eval(rule.Expression, in)
		if err != nil {
			if opts.Strict {
				return err
			}
			result.Warnings = append(result.Warnings, Warning{RuleID: rule.ID, Path: rule.TargetPath, Message: err.Error()})
			return nil
		}
		return e.write(out, rule, v, result)

	case KindConditional:
		match, err := e.eval.evalBool(rule.Expression, in)
		if err != nil {
			if opts.Strict {
				return err
			}
			result.Warnings = append(result.Warnings, Warning{RuleID: rule.ID, Path: rule.TargetPath, Message: err.Error()})
			return nil
		}
		if match {
			if literal, ok := rule.Mapping["then"]; ok {
				return e.write(out, rule, literal, result)
			}
			v, ok := in.GetPath(rule.SourcePath)
			if !ok {
				return e.missing(rule, rule.SourcePath, opts, result)
			}
			return e.write(out, rule, v, result)
		}
		if literal, ok := rule.Mapping["else"]; ok {
			return e.write(out, rule, literal, result)
		}
		return nil

	case KindLookup:
		table, ok := e.lookups[rule.LookupTable]
		if !ok {
			return apperror.Validation("rule %s references unknown lookup table %q", rule.ID, rule.LookupTable)
		}
		v, ok := in.GetPath(rule.SourcePath)
		if !ok {
			return e.missing(rule, rule.SourcePath, opts, result)
		}
		if code, ok := table[asString(v)]; ok {
			return e.write(out, rule, code, result)
		}
		result.Warnings = append(result.Warnings, Warning{
			RuleID: rule.ID, Path: rule.SourcePath,
			Message: fmt.Sprintf("code %q not in table %q", asString(v), rule.LookupTable),
		})
		return e.write(out, rule, v, result)

	case KindCustom:
		fn, ok := e.custom[rule.CustomFunc]
		if !ok {
			return apperror.Validation("rule %s references unknown function %q", rule.ID, rule.CustomFunc)
		}
		v, err := fn(in, rule)
		if err != nil {
			if opts.Strict {
				return apperror.Validation("rule %s: %v", rule.ID, err)
			}
			result.Warnings = append(result.Warnings, Warning{RuleID: rule.ID, Path: rule.TargetPath, Message: err.Error()})
			return nil
		}
		return e.write(out, rule, v, result)

	default:
		return apperror.Validation("rule %s has unknown kind %q", rule.ID, rule.Kind)
	}
}

func (e *Engine) write(out fhirdoc.Document, rule *Rule, v interface{}, result *Result) error {
	if err := out.SetPath(rule.TargetPath, v); err != nil {
		return apperror.Validation("rule %s: %v", rule.ID, err)
	}
	result.Applied++
	return nil
}

func (e *Engine) missing(rule *Rule, path string, opts Options, result *Result) error {
	if opts.Strict {
		return apperror.Validation("rule %s: source field %q is absent", rule.ID, path)
	}
	result.Warnings = append(result.Warnings, Warning{RuleID: rule.ID, Path: path, Message: "source field absent"})
	return nil
}

func asString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01", "2006", "01/02/2006", "20060102"}

func convertValue(v interface{}, target string) (interface{}, error) {
	switch target {
	case ConvertString:
		return asString(v), nil
	case ConvertNumber:
		switch val := v.(type) {
		case float64:
			return val, nil
		case bool:
			if val {
				return float64(1), nil
			}
			return float64(0), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not numeric", val)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to number", v)
		}
	case ConvertBoolean:
		switch val := v.(type) {
		case bool:
			return val, nil
		case float64:
			return val != 0, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "true", "yes", "y", "1":
				return true, nil
			case "false", "no", "n", "0", "":
				return false, nil
			}
			return nil, fmt.Errorf("%q is not boolean", val)
		default:
			return nil, fmt.Errorf("cannot convert %T to boolean", v)
		}
	case ConvertDate:
		s := asString(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return nil, fmt.Errorf("%q is not a recognized date", s)
	case ConvertArray:
		if arr, ok := v.([]interface{}); ok {
			return arr, nil
		}
		return []interface{}{v}, nil
	default:
		return nil, fmt.Errorf("unknown conversion target %q", target)
	}
}
