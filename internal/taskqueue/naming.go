package taskqueue

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxNameLength is the longest task name the queue accepts.
const MaxNameLength = 500

var (
	validName        = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,500}$`)
	invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// SafeName rewrites s into the queue's name alphabet.
func SafeName(s string) string {
	s = strings.ReplaceAll(s, "@", "-AT-")
	s = strings.ReplaceAll(s, ".", "-DOT-")
	return invalidNameChars.ReplaceAllString(s, "-")
}

// Timestamp renders t in UTC down to the microsecond.
func Timestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s_%06d", t.Format("20060102_150405"), t.Nanosecond()/int(time.Microsecond))
}

// Name joins sanitized parts with "_". Over-long names keep their tail so
// the trailing timestamp survives.
func Name(parts ...string) string {
	safe := make([]string, 0, len(parts))
	for _, p := range parts {
		safe = append(safe, SafeName(p))
	}
	name := strings.Join(safe, "_")
	if len(name) > MaxNameLength {
		name = name[len(name)-MaxNameLength:]
	}
	return name
}

// ValidName reports whether name is acceptable to Submit.
func ValidName(name string) bool {
	return validName.MatchString(name)
}
