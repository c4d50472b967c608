package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a malformed rule configuration. It is fatal at load
// time: an engine must not start with a rule set it cannot fully interpret.
type ConfigError struct {
	Rule  string // offending rule name, empty for file-level problems
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("rule config")
	if e.Rule != "" {
		fmt.Fprintf(&b, " %q", e.Rule)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

// ruleFile mirrors the on-disk YAML schema. Decoding runs with KnownFields,
// so an unrecognized condition key fails the load instead of being silently
// ignored.
type ruleFile struct {
	Rules    []ruleSpec      `yaml:"rules"`
	Defaults *assignmentSpec `yaml:"defaults"`
}

type ruleSpec struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`

	IfVendorMatches    []string  `yaml:"if_vendor_matches"`
	IfLineItemContains []string  `yaml:"if_lineitem_contains"`
	IfAmountGt         *float64  `yaml:"if_amount_gt"`
	IfAmountLt         *float64  `yaml:"if_amount_lt"`
	IfAmountBetween    []float64 `yaml:"if_amount_between"`
	IfDateFrom         string    `yaml:"if_date_from"`
	IfDateTo           string    `yaml:"if_date_to"`
	IfWeekday          *int      `yaml:"if_weekday"`

	Assign assignmentSpec `yaml:"assign"`
}

type assignmentSpec struct {
	PrimaryCategory   string   `yaml:"primary_category"`
	SecondaryCategory string   `yaml:"secondary_category"`
	Confidence        *float64 `yaml:"confidence"`
	Tags              []string `yaml:"tags"`
}

// Load reads and compiles a YAML rule file into an immutable Set.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules.Load: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse compiles rule configuration read from r. Any schema violation,
// including an unknown condition key, is returned as a *ConfigError.
func Parse(r io.Reader) (*Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file ruleFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Msg: err.Error()}
	}

	compiled := make([]Rule, 0, len(file.Rules))
	seen := make(map[string]bool, len(file.Rules))
	for i, spec := range file.Rules {
		rule, err := compileRule(i, spec)
		if err != nil {
			return nil, err
		}
		if seen[rule.Name] {
			return nil, &ConfigError{Rule: rule.Name, Field: "name", Msg: "duplicate rule name"}
		}
		seen[rule.Name] = true
		compiled = append(compiled, rule)
	}

	var defaults Assignment
	if file.Defaults != nil {
		var err error
		defaults, err = compileAssignment("", *file.Defaults, defaultConfidence)
		if err != nil {
			return nil, err
		}
	}

	return New(compiled, defaults), nil
}

func compileRule(idx int, spec ruleSpec) (Rule, error) {
	if spec.Name == "" {
		return Rule{}, &ConfigError{Field: "name", Msg: fmt.Sprintf("rule %d has no name", idx)}
	}

	var conds []Condition

	if len(spec.IfVendorMatches) > 0 {
		conds = append(conds, Condition{Kind: VendorMatches, Patterns: lowerAll(spec.IfVendorMatches)})
	}
	if len(spec.IfLineItemContains) > 0 {
		conds = append(conds, Condition{Kind: LineItemContains, Patterns: lowerAll(spec.IfLineItemContains)})
	}
	if spec.IfAmountGt != nil {
		conds = append(conds, Condition{Kind: AmountGreaterThan, Min: *spec.IfAmountGt})
	}
	if spec.IfAmountLt != nil {
		conds = append(conds, Condition{Kind: AmountLessThan, Max: *spec.IfAmountLt})
	}
	if len(spec.IfAmountBetween) > 0 {
		if len(spec.IfAmountBetween) != 2 {
			return Rule{}, &ConfigError{Rule: spec.Name, Field: "if_amount_between", Msg: "expects exactly [min, max]"}
		}
		lo, hi := spec.IfAmountBetween[0], spec.IfAmountBetween[1]
		if lo > hi {
			return Rule{}, &ConfigError{Rule: spec.Name, Field: "if_amount_between", Msg: "min exceeds max"}
		}
		conds = append(conds, Condition{Kind: AmountBetween, Min: lo, Max: hi})
	}
	if spec.IfDateFrom != "" || spec.IfDateTo != "" {
		from, err := parseDay(spec.Name, "if_date_from", spec.IfDateFrom)
		if err != nil {
			return Rule{}, err
		}
		to, err := parseDay(spec.Name, "if_date_to", spec.IfDateTo)
		if err != nil {
			return Rule{}, err
		}
		if !from.IsZero() && !to.IsZero() && from.After(to) {
			return Rule{}, &ConfigError{Rule: spec.Name, Field: "if_date_from", Msg: "range start is after range end"}
		}
		conds = append(conds, Condition{Kind: DateRange, From: from, To: to})
	}
	if spec.IfWeekday != nil {
		if *spec.IfWeekday < 0 || *spec.IfWeekday > 6 {
			return Rule{}, &ConfigError{Rule: spec.Name, Field: "if_weekday", Msg: "must be 0 (Monday) through 6 (Sunday)"}
		}
		conds = append(conds, Condition{Kind: WeekdayEquals, Weekday: *spec.IfWeekday})
	}

	assign, err := compileAssignment(spec.Name, spec.Assign, ruleConfidence)
	if err != nil {
		return Rule{}, err
	}
	if assign.PrimaryCategory == "" {
		return Rule{}, &ConfigError{Rule: spec.Name, Field: "assign.primary_category", Msg: "required"}
	}

	return Rule{
		Name:       spec.Name,
		Priority:   spec.Priority,
		Conditions: conds,
		Assign:     assign,
	}, nil
}

// Confidence applied when a rule or the defaults block omits one.
const (
	ruleConfidence    = 0.5
	defaultConfidence = 0.1
)

func compileAssignment(rule string, spec assignmentSpec, fallback float64) (Assignment, error) {
	conf := fallback
	if spec.Confidence != nil {
		conf = *spec.Confidence
	}
	if conf < 0 || conf > 1 {
		return Assignment{}, &ConfigError{Rule: rule, Field: "assign.confidence", Msg: "must be within [0, 1]"}
	}
	return Assignment{
		PrimaryCategory:   spec.PrimaryCategory,
		SecondaryCategory: spec.SecondaryCategory,
		Confidence:        conf,
		Tags:              spec.Tags,
	}, nil
}

func parseDay(rule, field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, &ConfigError{Rule: rule, Field: field, Msg: fmt.Sprintf("invalid date %q, want YYYY-MM-DD", s)}
	}
	return d, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
