package tabular

import (
	"sort"
	"strconv"
	"strings"

	"github.com/g960059/drillgrid/internal/model"
)

// SearchField describes a searchable column of a rendered table.
type SearchField struct {
	Field     string   `json:"field"`
	Caption   string   `json:"caption"`
	Type      string   `json:"type"`
	Operators []string `json:"operators"`
	Items     []string `json:"items,omitempty"`
}

var operatorsByType = map[string][]string{
	"float":    {"is", "between", "more", "less", "more equal", "less equal", "null", "not null"},
	"int":      {"is", "between", "more", "less", "more equal", "less equal", "null", "not null"},
	"date":     {"is", "between"},
	"datetime": {"is", "between"},
	"enum":     {"in", "not in", "contains", "not contains"},
}

// NormalizeSearchType maps a configured column type onto a search type.
func NormalizeSearchType(spec string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "float", "number", "numeric", "double":
		return "float", true
	case "int", "integer":
		return "int", true
	case "date":
		return "date", true
	case "datetime", "eu-datetime", "eu_datetime":
		return "datetime", true
	case "string", "text", "enum":
		return "enum", true
	default:
		return "", false
	}
}

// SearchFields builds search definitions for table. Keys of types are a
// column index or a case-insensitive header; unknown keys and types are
// skipped. Enum fields list the column's distinct non-blank values.
func SearchFields(table model.Table, types map[string]string) []SearchField {
	byCol := map[int]string{}
	for key, spec := range types {
		col := columnFor(table, key)
		if col < 0 {
			continue
		}
		typ, ok := NormalizeSearchType(spec)
		if !ok {
			continue
		}
		byCol[col] = typ
	}

	cols := make([]int, 0, len(byCol))
	for col := range byCol {
		cols = append(cols, col)
	}
	sort.Ints(cols)

	out := make([]SearchField, 0, len(cols))
	for _, col := range cols {
		typ := byCol[col]
		header := table.Header(col)
		f := SearchField{
			Field:     header,
			Caption:   header,
			Type:      typ,
			Operators: append([]string(nil), operatorsByType[typ]...),
		}
		if typ == "enum" {
			f.Items = distinctValues(table, col)
		}
		out = append(out, f)
	}
	return out
}

func columnFor(table model.Table, key string) int {
	key = strings.TrimSpace(key)
	if n, err := strconv.Atoi(key); err == nil {
		if n < 0 || n >= len(table.Headers) {
			return -1
		}
		return n
	}
	return table.FieldIndex(key)
}

func distinctValues(table model.Table, col int) []string {
	seen := map[string]struct{}{}
	for _, row := range table.Rows {
		if col >= len(row) {
			continue
		}
		v := row[col]
		if strings.TrimSpace(v) == "" {
			continue
		}
		seen[v] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SplitMultiValue expands "a/b/c" into its parts for non-enum searches.
// ok is false when value holds fewer than two parts.
func SplitMultiValue(value string) ([]string, bool) {
	if !strings.Contains(value, "/") {
		return nil, false
	}
	var parts []string
	for _, p := range strings.Split(value, "/") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts, len(parts) > 1
}
