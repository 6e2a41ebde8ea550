// Package logutil holds helpers shared by the subsystem loggers.
package logutil

import (
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// LogClosure defers an expensive log argument until the logger formats it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure wraps c so it is only evaluated when logged.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure dumps a with spew when logged.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// HashesClosure renders a list of stringers on one line when logged.
func HashesClosure[T interface{ String() string }](items []T) LogClosure {
	return func() string {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
}
