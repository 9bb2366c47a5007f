package store

import "strings"

// Filter is a typed predicate tree over record attributes. It is built
// by conjunction of typed predicates and only rendered to the store's
// query language (String) at the gateway boundary, never assembled by
// string concatenation.
type Filter interface {
	Matches(attrs map[string]string) bool
	String() string
}

type EqFilter struct {
	Attr  string
	Value string
}

func Eq(attr, value string) Filter { return &EqFilter{Attr: attr, Value: value} }

func (f *EqFilter) Matches(attrs map[string]string) bool {
	v, ok := attrs[f.Attr]
	return ok && v == f.Value
}

func (f *EqFilter) String() string { return "(" + f.Attr + "=" + escape(f.Value) + ")" }

type PresentFilter struct {
	Attr string
}

func Present(attr string) Filter { return &PresentFilter{Attr: attr} }

func (f *PresentFilter) Matches(attrs map[string]string) bool {
	_, ok := attrs[f.Attr]
	return ok
}

func (f *PresentFilter) String() string { return "(" + f.Attr + "=*)" }

// GeFilter compares lexicographically; timestamps are stored in a
// fixed-width UTC format so string order matches time order.
type GeFilter struct {
	Attr  string
	Value string
}

func Ge(attr, value string) Filter { return &GeFilter{Attr: attr, Value: value} }

func (f *GeFilter) Matches(attrs map[string]string) bool {
	v, ok := attrs[f.Attr]
	return ok && v >= f.Value
}

func (f *GeFilter) String() string { return "(" + f.Attr + ">=" + escape(f.Value) + ")" }

type LeFilter struct {
	Attr  string
	Value string
}

func Le(attr, value string) Filter { return &LeFilter{Attr: attr, Value: value} }

func (f *LeFilter) Matches(attrs map[string]string) bool {
	v, ok := attrs[f.Attr]
	return ok && v <= f.Value
}

func (f *LeFilter) String() string { return "(" + f.Attr + "<=" + escape(f.Value) + ")" }

type NotFilter struct {
	Inner Filter
}

func Not(inner Filter) Filter { return &NotFilter{Inner: inner} }

func (f *NotFilter) Matches(attrs map[string]string) bool { return !f.Inner.Matches(attrs) }

func (f *NotFilter) String() string { return "(!" + f.Inner.String() + ")" }

type AndFilter struct {
	Terms []Filter
}

// And builds a conjunction. A single term collapses to itself.
func And(terms ...Filter) Filter {
	if len(terms) == 1 {
		return terms[0]
	}
	return &AndFilter{Terms: terms}
}

func (f *AndFilter) Matches(attrs map[string]string) bool {
	for _, t := range f.Terms {
		if !t.Matches(attrs) {
			return false
		}
	}
	return true
}

func (f *AndFilter) String() string {
	var b strings.Builder
	b.WriteString("(&")
	for _, t := range f.Terms {
		b.WriteString(t.String())
	}
	b.WriteString(")")
	return b.String()
}

type OrFilter struct {
	Terms []Filter
}

func Or(terms ...Filter) Filter {
	if len(terms) == 1 {
		return terms[0]
	}
	return &OrFilter{Terms: terms}
}

func (f *OrFilter) Matches(attrs map[string]string) bool {
	for _, t := range f.Terms {
		if t.Matches(attrs) {
			return true
		}
	}
	return false
}

func (f *OrFilter) String() string {
	var b strings.Builder
	b.WriteString("(|")
	for _, t := range f.Terms {
		b.WriteString(t.String())
	}
	b.WriteString(")")
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer("\\", "\\5c", "*", "\\2a", "(", "\\28", ")", "\\29")
	return r.Replace(s)
}
