// Package badges evaluates badge unlock rules against a user's progress.
//
// Rules are a closed set of variants. Evaluate switches over every variant
// and treats anything else as an error, so a new rule type cannot be added
// without teaching the evaluator about it.
package badges

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownRule = errors.New("badges: unknown rule type")

// Progress is the state rules are evaluated against.
type Progress struct {
	XP               int64
	Level            int
	VisitsByCategory map[string]int
}

// TotalVisits sums visits over all categories.
func (p Progress) TotalVisits() int {
	n := 0
	for _, c := range p.VisitsByCategory {
		n += c
	}
	return n
}

// Rule is one unlock condition.
type Rule interface {
	ruleType() string
}

// VisitCountRule requires Threshold visits, optionally in one category.
type VisitCountRule struct {
	Category  string `json:"category,omitempty"`
	Threshold int    `json:"threshold"`
}

// DistinctCategoriesRule requires visits in Threshold different categories.
type DistinctCategoriesRule struct {
	Threshold int `json:"threshold"`
}

// LevelRule requires reaching MinLevel.
type LevelRule struct {
	MinLevel int `json:"minLevel"`
}

// XPRule requires MinXP experience.
type XPRule struct {
	MinXP int64 `json:"minXp"`
}

func (VisitCountRule) ruleType() string         { return "visit_count" }
func (DistinctCategoriesRule) ruleType() string { return "distinct_categories" }
func (LevelRule) ruleType() string              { return "level" }
func (XPRule) ruleType() string                 { return "xp" }

// Evaluate reports whether p satisfies rule.
func Evaluate(rule Rule, p Progress) (bool, error) {
	switch r := rule.(type) {
	case VisitCountRule:
		if r.Category == "" {
			return p.TotalVisits() >= r.Threshold, nil
		}
		return p.VisitsByCategory[r.Category] >= r.Threshold, nil
	case DistinctCategoriesRule:
		n := 0
		for category, c := range p.VisitsByCategory {
			if category != "" && c > 0 {
				n++
			}
		}
		return n >= r.Threshold, nil
	case LevelRule:
		return p.Level >= r.MinLevel, nil
	case XPRule:
		return p.XP >= r.MinXP, nil
	default:
		return false, fmt.Errorf("%w: %T", ErrUnknownRule, rule)
	}
}

// Badge is a named achievement.
type Badge struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Rule        Rule   `json:"-"`
}

// envelope is the stored form of a rule: {"type": "...", ...fields}.
type envelope struct {
	Type string `json:"type"`
}

// MarshalRule encodes a rule with its type tag.
func MarshalRule(rule Rule) ([]byte, error) {
	body, err := json.Marshal(rule)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = rule.ruleType()
	return json.Marshal(fields)
}

// ParseRule decodes a tagged rule. Unknown tags are rejected.
func ParseRule(raw []byte) (Rule, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("badges: decode rule: %w", err)
	}

	var rule Rule
	var err error
	switch env.Type {
	case "visit_count":
		var r VisitCountRule
		err = json.Unmarshal(raw, &r)
		rule = r
	case "distinct_categories":
		var r DistinctCategoriesRule
		err = json.Unmarshal(raw, &r)
		rule = r
	case "level":
		var r LevelRule
		err = json.Unmarshal(raw, &r)
		rule = r
	case "xp":
		var r XPRule
		err = json.Unmarshal(raw, &r)
		rule = r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("badges: decode %s rule: %w", env.Type, err)
	}
	return rule, nil
}

// Catalog is the built-in badge set.
var Catalog = []Badge{
	{ID: "first_steps", Name: "First Steps", Description: "Visit your first place.", Rule: VisitCountRule{Threshold: 1}},
	{ID: "explorer", Name: "Explorer", Description: "Visit 10 places.", Rule: VisitCountRule{Threshold: 10}},
	{ID: "globetrotter", Name: "Globetrotter", Description: "Visit 50 places.", Rule: VisitCountRule{Threshold: 50}},
	{ID: "history_buff", Name: "History Buff", Description: "Visit 5 monuments.", Rule: VisitCountRule{Category: "monument", Threshold: 5}},
	{ID: "nature_lover", Name: "Nature Lover", Description: "Visit 5 natural sites.", Rule: VisitCountRule{Category: "nature", Threshold: 5}},
	{ID: "curious", Name: "Curious", Description: "Visit places in 3 different categories.", Rule: DistinctCategoriesRule{Threshold: 3}},
	{ID: "level_5", Name: "Seasoned", Description: "Reach level 5.", Rule: LevelRule{MinLevel: 5}},
	{ID: "xp_1000", Name: "Thousand Club", Description: "Earn 1000 XP.", Rule: XPRule{MinXP: 1000}},
}

// Earned returns the badges from catalog that p satisfies, sorted by id.
func Earned(catalog []Badge, p Progress) ([]Badge, error) {
	out := []Badge{}
	for _, b := range catalog {
		ok, err := Evaluate(b.Rule, p)
		if err != nil {
			return nil, fmt.Errorf("badge %s: %w", b.ID, err)
		}
		if ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
