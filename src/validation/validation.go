package validation

import (
	"strings"
)

/*
Field-level validation failures, kept in the order fields were first reported.
These are returned as ordinary errors; callers that want to render them per
field can errors.As into *Errors.
*/
type Errors struct {
	fields   []string
	messages map[string][]string
}

func (e *Errors) Add(field, message string) {
	if e.messages == nil {
		e.messages = make(map[string][]string)
	}
	if _, seen := e.messages[field]; !seen {
		e.fields = append(e.fields, field)
	}
	e.messages[field] = append(e.messages[field], message)
}

func (e *Errors) Any() bool {
	return e != nil && len(e.fields) > 0
}

func (e *Errors) Fields() []string {
	if e == nil {
		return nil
	}
	return e.fields
}

func (e *Errors) On(field string) []string {
	if e == nil {
		return nil
	}
	return e.messages[field]
}

// Returns nil when nothing was added, so validators can end with
// `return errs.Err()`.
func (e *Errors) Err() error {
	if !e.Any() {
		return nil
	}
	return e
}

func (e *Errors) Error() string {
	var b strings.Builder
	for i, field := range e.fields {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(field)
		b.WriteString(" ")
		b.WriteString(strings.Join(e.messages[field], ", "))
	}
	return b.String()
}
