package template

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Side is the trade direction a template applies to.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Status is the lifecycle state of a template. ACTIVE templates participate in
// selection and evolution; FROZEN templates are retired but never deleted.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusFrozen Status = "FROZEN"
)

// Per-field label universes. A template filter may only contain labels drawn
// from its field's universe.
var (
	RSIUniverse  = []string{"L", "M", "H"}
	MACDUniverse = []string{"P", "N"}
	KDUniverse   = []string{"P", "N"}
	VolUniverse  = []string{"L", "M", "H", "X"}
)

// FilterSet is the set of category labels a template filter admits for one
// field. A nil/empty set is a wildcard and admits every label. Canonical form
// is sorted and deduplicated; ParseFilterSet and Canonical produce it.
type FilterSet []string

// ParseFilterSet parses a pipe-delimited label set ("L|M"). Empty strings and
// "*" parse to the wildcard (nil) set.
func ParseFilterSet(s string) FilterSet {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil
	}
	seen := make(map[string]bool)
	var out FilterSet
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	sort.Strings(out)
	return out
}

// Canonical returns the sorted, deduplicated form of f.
func (f FilterSet) Canonical() FilterSet {
	if len(f) == 0 {
		return nil
	}
	return ParseFilterSet(f.String())
}

// String renders f in pipe-delimited canonical form; wildcard renders as "".
func (f FilterSet) String() string {
	if len(f) == 0 {
		return ""
	}
	labels := append([]string(nil), f...)
	sort.Strings(labels)
	out := labels[:0]
	for i, l := range labels {
		if i > 0 && l == labels[i-1] {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "|")
}

// IsWildcard reports whether f admits every label.
func (f FilterSet) IsWildcard() bool {
	return len(f) == 0
}

// Contains reports whether label is an explicit member of f.
func (f FilterSet) Contains(label string) bool {
	for _, l := range f {
		if l == label {
			return true
		}
	}
	return false
}

// Admits reports whether f allows the given bin label (wildcard or member).
func (f FilterSet) Admits(label string) bool {
	return f.IsWildcard() || f.Contains(label)
}

func (f FilterSet) validate(field string, universe []string) error {
	for _, l := range f {
		ok := false
		for _, u := range universe {
			if l == u {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid %s label %q (allowed: %s)", field, l, strings.Join(universe, "|"))
		}
	}
	return nil
}

// Filters holds the four categorical market-condition filters of a template.
type Filters struct {
	RSI  FilterSet `json:"rsi_bin"`
	MACD FilterSet `json:"macd_bin"`
	KD   FilterSet `json:"kd_bin"`
	Vol  FilterSet `json:"vol_bin"`
}

// Canonical returns f with every field in canonical form.
func (f Filters) Canonical() Filters {
	return Filters{
		RSI:  f.RSI.Canonical(),
		MACD: f.MACD.Canonical(),
		KD:   f.KD.Canonical(),
		Vol:  f.Vol.Canonical(),
	}
}

// Validate checks every field against its label universe.
func (f Filters) Validate() error {
	if err := f.RSI.validate("rsi_bin", RSIUniverse); err != nil {
		return err
	}
	if err := f.MACD.validate("macd_bin", MACDUniverse); err != nil {
		return err
	}
	if err := f.KD.validate("kd_bin", KDUniverse); err != nil {
		return err
	}
	return f.Vol.validate("vol_bin", VolUniverse)
}

// Admits reports whether every field of f admits the corresponding bin.
func (f Filters) Admits(b Bins) bool {
	return f.RSI.Admits(b.RSI) && f.MACD.Admits(b.MACD) &&
		f.KD.Admits(b.KD) && f.Vol.Admits(b.Vol)
}

// Metadata is the structured template annotation blob. It is parsed once at
// the store boundary and carried as a value type from then on.
type Metadata struct {
	Locked      bool      `json:"locked,omitempty"`
	Blacklisted bool      `json:"blacklisted,omitempty"`
	Note        string    `json:"note,omitempty"`
	ParentIDs   []int64   `json:"parent_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Template is a parameterized trading rule: a side plus four categorical
// filters. Locked templates are immune to automatic freezing; blacklisted
// templates stay trackable but are never used as evolution parents.
type Template struct {
	ID      int64    `json:"template_id" db:"template_id"`
	Version int      `json:"version" db:"version"`
	Side    Side     `json:"side" db:"side"`
	Filters Filters  `json:"filters"`
	Status  Status   `json:"status" db:"status"`
	Meta    Metadata `json:"meta"`
}

// Validate checks side and filter fields; stores call this before insertion.
func (t Template) Validate() error {
	if !t.Side.Valid() {
		return fmt.Errorf("invalid side %q (allowed: LONG, SHORT)", t.Side)
	}
	return t.Filters.Validate()
}

// Fingerprint is the canonical dedup key: side plus the four filter fields,
// wildcards rendered empty, label sets sorted. Two templates with the same
// fingerprint encode the same rule.
func (t Template) Fingerprint() string {
	return Fingerprint(t.Side, t.Filters)
}

// Fingerprint builds the canonical key for a side/filter combination.
func Fingerprint(side Side, f Filters) string {
	return strings.Join([]string{
		string(side),
		f.RSI.String(),
		f.MACD.String(),
		f.KD.String(),
		f.Vol.String(),
	}, "|")
}
