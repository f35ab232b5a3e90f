// Package log configures the logrus output of finsync.
package log

import (
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NewFormatter returns the text formatter used by every finsync process.
// Field order is stable so log lines diff cleanly.
func NewFormatter(noColors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:    noColors,
		FullTimestamp:    true,
		TimestampFormat:  time.RFC3339Nano,
		QuoteEmptyFields: true,
		SortingFunc:      sortFields,
	}
}

// sortFields puts the standard keys first and the remaining ones in
// alphabetical order.
func sortFields(keys []string) {
	rank := func(k string) int {
		switch k {
		case logrus.FieldKeyTime:
			return 0
		case logrus.FieldKeyLevel:
			return 1
		case logrus.FieldKeyMsg:
			return 2
		default:
			return 3
		}
	}
	slices.SortStableFunc(keys, func(a, b string) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})
}
