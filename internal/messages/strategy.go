// Package messages implements the per-message-type composition strategies.
// Each MessageType has one Composer; the delivery worker selects it from a
// lookup table and is otherwise agnostic to the variant, so adding a new
// message type touches only this package.
package messages

import (
	"fmt"

	"wellwisher/internal/types"
)

// Composer turns a user record into the text delivered for one message
// type. Implementations must be pure: no I/O, no clock access beyond the
// occurrence date they are handed.
type Composer interface {
	// Type returns the message type this composer handles.
	Type() types.MessageType

	// Compose renders the message text for the user and occurrence date.
	Compose(user *types.User, occurrence types.LocalDate) string
}

// Registry is the closed lookup table from MessageType to Composer.
type Registry struct {
	composers map[types.MessageType]Composer
}

// NewRegistry builds a registry from the given composers. Registering two
// composers for the same type is a programming error and panics at wiring
// time rather than failing at delivery time.
func NewRegistry(composers ...Composer) *Registry {
	r := &Registry{composers: make(map[types.MessageType]Composer, len(composers))}
	for _, c := range composers {
		if _, dup := r.composers[c.Type()]; dup {
			panic(fmt.Sprintf("messages: duplicate composer for type %q", c.Type()))
		}
		r.composers[c.Type()] = c
	}
	return r
}

// DefaultRegistry returns the registry with all built-in composers.
func DefaultRegistry() *Registry {
	return NewRegistry(BirthdayComposer{}, AnniversaryComposer{})
}

// Lookup returns the composer for a message type, or false for unknown
// types (a malformed or future-version message).
func (r *Registry) Lookup(mt types.MessageType) (Composer, bool) {
	c, ok := r.composers[mt]
	return c, ok
}

// BirthdayComposer renders birthday greetings. When the user supplied a
// birth year, the message includes the age turned on the occurrence date.
type BirthdayComposer struct{}

// Type implements Composer.
func (BirthdayComposer) Type() types.MessageType {
	return types.MessageBirthday
}

// Compose implements Composer.
func (BirthdayComposer) Compose(user *types.User, occurrence types.LocalDate) string {
	if user.EventYear > 0 {
		age := occurrence.Year - user.EventYear
		if age > 0 {
			return fmt.Sprintf("Hey, %s, happy %s birthday!", user.DisplayName, ordinal(age))
		}
	}
	return fmt.Sprintf("Hey, %s, it's your birthday -- have a great one!", user.DisplayName)
}

// AnniversaryComposer renders anniversary greetings, with the count of
// years when the start year is known.
type AnniversaryComposer struct{}

// Type implements Composer.
func (AnniversaryComposer) Type() types.MessageType {
	return types.MessageAnniversary
}

// Compose implements Composer.
func (AnniversaryComposer) Compose(user *types.User, occurrence types.LocalDate) string {
	if user.EventYear > 0 {
		years := occurrence.Year - user.EventYear
		if years > 0 {
			return fmt.Sprintf("Hey, %s, happy %d-year anniversary!", user.DisplayName, years)
		}
	}
	return fmt.Sprintf("Hey, %s, happy anniversary!", user.DisplayName)
}

// ordinal renders 1 -> "1st", 2 -> "2nd", 11 -> "11th", etc.
func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
		// 11th, 12th, 13th
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

var (
	_ Composer = BirthdayComposer{}
	_ Composer = AnniversaryComposer{}
)
