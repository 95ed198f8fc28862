// Package entryid represents the opaque entry identifiers the engine
// schedules work for (spec DATA MODEL, "Entry ID").
package entryid

import "strconv"

// ID is an opaque scraping-unit identifier: either a numeric or a short
// string ID, as the spec allows either representation. Exactly one of the
// two forms is populated.
type ID struct {
	n     int64
	s     string
	isInt bool
}

// FromInt wraps an integer entry ID.
func FromInt(n int64) ID {
	return ID{n: n, isInt: true}
}

// FromString wraps a string entry ID.
func FromString(s string) ID {
	return ID{s: s}
}

// String renders the canonical stringified form used for checkpoint
// comparison (spec §4.5.1 step 2: "stringified ID") and by sources that
// need the ID as text.
func (id ID) String() string {
	if id.isInt {
		return strconv.FormatInt(id.n, 10)
	}
	return id.s
}

// Int64 returns the integer value and whether this ID is integer-backed.
func (id ID) Int64() (int64, bool) {
	return id.n, id.isInt
}

// Equal reports whether two IDs have the same canonical string form.
func (id ID) Equal(other ID) bool {
	return id.String() == other.String()
}
