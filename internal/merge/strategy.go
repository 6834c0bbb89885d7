// Package merge decides, field by field, whether an incoming value replaces
// the value already stored on a canonical item.
//
// Decide is a pure function over two values and a Rule. The Engine wraps it
// with the field ownership table and the per-source change threshold.
package merge

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

// Strategy names a comparison algorithm.
type Strategy string

const (
	// PriorityList ranks values by their position in Rule.Preferences.
	// The new value wins only with a strictly better rank.
	PriorityList Strategy = "priority_list"

	// LongerString keeps whichever value has more characters.
	LongerString Strategy = "longer_string"

	// NewerByIngestionOrder takes any non-null new value.
	NewerByIngestionOrder Strategy = "newer_by_ingestion_order"

	// AlwaysNew takes the new value, null included.
	AlwaysNew Strategy = "always_new"

	// ManualOnly takes the new value only when the row explicitly carries one.
	ManualOnly Strategy = "manual_only"
)

var strategies = map[Strategy]string{
	PriorityList:          "new value wins only if ranked strictly higher in the preference list",
	LongerString:          "longer non-empty string wins",
	NewerByIngestionOrder: "latest non-null value wins",
	AlwaysNew:             "new value always replaces, null included",
	ManualOnly:            "explicit non-null value replaces; absence is no opinion",
}

// Strategies lists every strategy name.
func Strategies() []Strategy {
	return []Strategy{PriorityList, LongerString, NewerByIngestionOrder, AlwaysNew, ManualOnly}
}

// ParseStrategy accepts a strategy name; hyphens and case are ignored.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if _, ok := strategies[st]; !ok {
		return "", fmt.Errorf("unknown strategy %q", s)
	}
	return st, nil
}

// Description returns a short human-readable explanation.
func (s Strategy) Description() string {
	return strategies[s]
}

// Rule configures the strategy for one field.
type Rule struct {
	Strategy Strategy

	// Preferences orders values for PriorityList, best first.
	Preferences []string
}

// Decide returns the winning value and whether it differs from old.
// It must only be called for fields the incoming row explicitly carries;
// absence is handled by the caller.
func Decide(oldValue, newValue any, rule Rule) (winner any, changed bool) {
	switch rule.Strategy {
	case PriorityList:
		winner = priorityList(oldValue, newValue, rule.Preferences)
	case LongerString:
		winner = longerString(oldValue, newValue)
	case NewerByIngestionOrder, ManualOnly:
		winner = oldValue
		if newValue != nil {
			winner = newValue
		}
	case AlwaysNew:
		winner = newValue
	default:
		winner = oldValue
	}
	return winner, !core.ValuesEqual(winner, oldValue)
}

func priorityList(oldValue, newValue any, prefs []string) any {
	if rank(newValue, prefs) < rank(oldValue, prefs) {
		return newValue
	}
	return oldValue
}

// rank is the index of v in prefs; values not in the list share the worst rank.
func rank(v any, prefs []string) int {
	if v != nil {
		key := core.FoldKey(core.FormatValue(v))
		for i, p := range prefs {
			if core.FoldKey(p) == key {
				return i
			}
		}
	}
	return len(prefs)
}

func longerString(oldValue, newValue any) any {
	o, n := core.FormatValue(oldValue), core.FormatValue(newValue)
	switch {
	case n == "":
		return oldValue
	case o == "":
		return newValue
	case utf8.RuneCountInString(n) > utf8.RuneCountInString(o):
		return newValue
	default:
		return oldValue
	}
}
