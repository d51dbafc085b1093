// Package validate implements stateless per-field validation rules.
package validate

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/spf13/cast"

	"github.com/buildpulse/crmsync/internal/schema"
)

// Built-in rule names
const (
	RuleNotEmpty  = "notEmpty"
	RuleMaxLength = "maxLength"
	RuleMin       = "min"
	RuleMax       = "max"
	RuleEnum      = "enum"
	RuleType      = "type"
	RulePattern   = "pattern"
	RulePhone     = "phone"
	RuleEmail     = "email"
)

// RuleFunc reports whether value satisfies the rule. A false result carries a message.
type RuleFunc func(field *schema.FieldSpec, value any, params map[string]any) (bool, string)

// Result is the outcome of validating one field value
type Result struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Engine holds the rule table. Rules are pure; the engine is safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]RuleFunc
}

// NewEngine returns an engine with the built-in rules registered
func NewEngine() *Engine {
	e := &Engine{rules: make(map[string]RuleFunc)}
	e.Register(RuleNotEmpty, notEmpty)
	e.Register(RuleMaxLength, maxLength)
	e.Register(RuleMin, minValue)
	e.Register(RuleMax, maxValue)
	e.Register(RuleEnum, enum)
	e.Register(RuleType, typeCompatible)
	e.Register(RulePattern, pattern)
	e.Register(RulePhone, phone)
	e.Register(RuleEmail, email)
	return e
}

// Register adds or replaces a named rule
func (e *Engine) Register(name string, fn RuleFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[name] = fn
}

func (e *Engine) rule(name string) (RuleFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.rules[name]
	return fn, ok
}

// ValidateField runs the rules implied by the field declaration followed by its
// explicit rules. It never panics; an unknown explicit rule is reported as a warning.
func (e *Engine) ValidateField(field *schema.FieldSpec, value any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: rule panicked: %v", field.Name, r))
			res.IsValid = false
		}
	}()

	for _, rule := range impliedRules(field) {
		e.apply(&res, field, value, rule)
	}
	for _, rule := range field.Rules {
		e.apply(&res, field, value, rule)
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

func (e *Engine) apply(res *Result, field *schema.FieldSpec, value any, rule schema.Rule) {
	fn, ok := e.rule(rule.Name)
	if !ok {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: unknown rule %q skipped", field.Name, rule.Name))
		return
	}
	if passed, msg := fn(field, value, rule.Params); !passed {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", field.Name, msg))
	}
}

// impliedRules derives rules from the declarative constraints of a field
func impliedRules(field *schema.FieldSpec) []schema.Rule {
	rules := []schema.Rule{{Name: RuleType}}
	if field.MaxLength != nil {
		rules = append(rules, schema.Rule{Name: RuleMaxLength})
	}
	if field.Min != nil {
		rules = append(rules, schema.Rule{Name: RuleMin})
	}
	if field.Max != nil {
		rules = append(rules, schema.Rule{Name: RuleMax})
	}
	if len(field.Enum) > 0 {
		rules = append(rules, schema.Rule{Name: RuleEnum})
	}
	return rules
}

func notEmpty(_ *schema.FieldSpec, value any, _ map[string]any) (bool, string) {
	switch v := value.(type) {
	case nil:
		return false, "must not be empty"
	case string:
		if strings.TrimSpace(v) == "" {
			return false, "must not be empty"
		}
	case []string:
		if len(v) == 0 {
			return false, "must not be empty"
		}
	}
	return true, ""
}

// paramOr reads a numeric rule parameter, falling back to def
func paramOr(params map[string]any, key string, def *float64) (float64, bool) {
	if raw, ok := params[key]; ok {
		if f, err := cast.ToFloat64E(raw); err == nil {
			return f, true
		}
	}
	if def != nil {
		return *def, true
	}
	return 0, false
}

func maxLength(field *schema.FieldSpec, value any, params map[string]any) (bool, string) {
	s, ok := value.(string)
	if !ok {
		return true, ""
	}
	var def *float64
	if field.MaxLength != nil {
		n := float64(*field.MaxLength)
		def = &n
	}
	limit, ok := paramOr(params, "value", def)
	if !ok {
		return true, ""
	}
	if n := utf8.RuneCountInString(s); float64(n) > limit {
		return false, fmt.Sprintf("length %d exceeds %d", n, int(limit))
	}
	return true, ""
}

func numeric(value any) (float64, bool) {
	switch value.(type) {
	case nil, string, bool:
		return 0, false
	}
	f, err := cast.ToFloat64E(value)
	return f, err == nil
}

func minValue(field *schema.FieldSpec, value any, params map[string]any) (bool, string) {
	n, ok := numeric(value)
	if !ok {
		return true, ""
	}
	limit, ok := paramOr(params, "value", field.Min)
	if ok && n < limit {
		return false, fmt.Sprintf("%v is below minimum %v", n, limit)
	}
	return true, ""
}

func maxValue(field *schema.FieldSpec, value any, params map[string]any) (bool, string) {
	n, ok := numeric(value)
	if !ok {
		return true, ""
	}
	limit, ok := paramOr(params, "value", field.Max)
	if ok && n > limit {
		return false, fmt.Sprintf("%v is above maximum %v", n, limit)
	}
	return true, ""
}

func enum(field *schema.FieldSpec, value any, params map[string]any) (bool, string) {
	if value == nil {
		return true, ""
	}
	allowed := field.Enum
	if raw, ok := params["values"]; ok {
		if list, err := cast.ToStringSliceE(raw); err == nil {
			allowed = list
		}
	}
	s := cast.ToString(value)
	if !slices.Contains(allowed, s) {
		return false, fmt.Sprintf("%q is not one of %v", s, allowed)
	}
	return true, ""
}

// typeCompatible checks a converted value against the declared field type
func typeCompatible(field *schema.FieldSpec, value any, _ map[string]any) (bool, string) {
	if value == nil {
		return true, ""
	}

	ok := true
	switch field.Type {
	case schema.TypeInteger:
		switch value.(type) {
		case int, int32, int64:
		default:
			ok = false
		}
	case schema.TypeReal:
		switch value.(type) {
		case float32, float64, int, int32, int64:
		default:
			ok = false
		}
	case schema.TypeTimestamp:
		switch v := value.(type) {
		case int64, int, time.Time:
		case string:
			_, err := time.Parse(time.RFC3339, v)
			ok = err == nil
		default:
			ok = false
		}
	case schema.TypeDate:
		s, isString := value.(string)
		if ok = isString; ok {
			_, err := time.Parse("2006-01-02", s)
			ok = err == nil
		}
	case schema.TypeBoolean:
		_, ok = value.(bool)
	case schema.TypeArray:
		switch value.(type) {
		case []string, string:
		default:
			ok = false
		}
	case schema.TypeString, schema.TypeText:
		_, ok = value.(string)
	}

	if !ok {
		return false, fmt.Sprintf("value of type %T is not a valid %s", value, field.Type)
	}
	return true, ""
}

var (
	patternCache sync.Map // string -> *regexp.Regexp
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\- ]{5,19}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

func compiled(expr string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	patternCache.Store(expr, re)
	return re, nil
}

func pattern(_ *schema.FieldSpec, value any, params map[string]any) (bool, string) {
	s, ok := value.(string)
	if !ok || s == "" {
		return true, ""
	}
	expr := cast.ToString(params["regex"])
	re, err := compiled(expr)
	if err != nil {
		return false, fmt.Sprintf("invalid pattern %q", expr)
	}
	if !re.MatchString(s) {
		return false, fmt.Sprintf("%q does not match %s", s, expr)
	}
	return true, ""
}

func phone(_ *schema.FieldSpec, value any, _ map[string]any) (bool, string) {
	s, ok := value.(string)
	if !ok || s == "" {
		return true, ""
	}
	if !phonePattern.MatchString(s) {
		return false, "is not a valid phone number"
	}
	return true, ""
}

func email(_ *schema.FieldSpec, value any, _ map[string]any) (bool, string) {
	s, ok := value.(string)
	if !ok || s == "" {
		return true, ""
	}
	if !emailPattern.MatchString(s) {
		return false, "is not a valid email address"
	}
	return true, ""
}
