package pattern

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/g960059/drillgrid/internal/model"
)

var (
	contextToken = regexp.MustCompile(`([A-Za-z])(\d+)`)
	recordToken  = regexp.MustCompile(`(?i)e(\d+)`)
	unsafeRun    = regexp.MustCompile(`[^A-Za-z0-9_.\-/]+`)
	extPattern   = regexp.MustCompile(`\.([a-z0-9]+)(?:[?#]|$)`)
)

// Sanitize replaces runs of characters outside [A-Za-z0-9_.-/] with "_" and
// trims leading and trailing underscores.
func Sanitize(value string) string {
	return strings.Trim(unsafeRun.ReplaceAllString(value, "_"), "_")
}

// Resolve substitutes letter+digits tokens in template. The letter picks a
// context from the stack (a = 0, b = 1, ...), the digits pick a field in it.
// Missing contexts or fields resolve to the empty string.
func Resolve(template string, contexts []model.RowContext) string {
	return contextToken.ReplaceAllStringFunc(template, func(token string) string {
		m := contextToken.FindStringSubmatch(token)
		ctxIndex := int(strings.ToLower(m[1])[0] - 'a')
		fieldIndex, err := strconv.Atoi(m[2])
		if err != nil || ctxIndex < 0 || ctxIndex >= len(contexts) {
			return ""
		}
		value, _ := contexts[ctxIndex].Field(fieldIndex)
		return Sanitize(value)
	})
}

// ResolveRecord substitutes eN tokens with the sanitized N-th value of a
// single record.
func ResolveRecord(template string, record []string) string {
	return recordToken.ReplaceAllStringFunc(template, func(token string) string {
		m := recordToken.FindStringSubmatch(token)
		i, err := strconv.Atoi(m[1])
		if err != nil || i < 0 || i >= len(record) {
			return ""
		}
		return Sanitize(record[i])
	})
}

func Basename(locator string) string {
	base := path.Base(strings.TrimRight(locator, "/"))
	if base == "." || base == "/" || base == "" {
		return locator
	}
	return base
}

// Extension returns the lowercase extension of locator without the dot,
// ignoring any query or fragment.
func Extension(locator string) string {
	m := extPattern.FindStringSubmatch(strings.ToLower(locator))
	if m == nil {
		return ""
	}
	return m[1]
}
