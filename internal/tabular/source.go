// Package tabular loads delimited tables from a data directory.
package tabular

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/pattern"
)

var (
	ErrOutsideRoot = errors.New("locator escapes data root")
	ErrNotFound    = errors.New("table not found")
	ErrEmptyTable  = errors.New("table has no header row")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Source reads tables and answers existence checks for locators relative
// to Root.
type Source struct {
	Root string
}

func NewSource(root string) *Source {
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	return &Source{Root: root}
}

// Path maps a locator onto the filesystem. Absolute locators and ".."
// segments are rejected.
func (s *Source) Path(locator string) (string, error) {
	loc := strings.TrimSpace(locator)
	loc = strings.TrimPrefix(filepath.ToSlash(loc), "./")
	if loc == "" {
		return "", fmt.Errorf("%w: empty locator", ErrOutsideRoot)
	}
	clean := filepath.FromSlash(loc)
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, locator)
	}
	return filepath.Join(s.Root, clean), nil
}

func (s *Source) Exists(_ context.Context, locator string) (bool, error) {
	path, err := s.Path(locator)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", locator, err)
	}
	return !info.IsDir(), nil
}

// Load reads a CSV (or TSV, by extension) table. The first row holds the
// headers; short rows are padded to the header width.
func (s *Source) Load(ctx context.Context, locator string) (model.Table, error) {
	if err := ctx.Err(); err != nil {
		return model.Table{}, err
	}
	path, err := s.Path(locator)
	if err != nil {
		return model.Table{}, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Table{}, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	if err != nil {
		return model.Table{}, fmt.Errorf("read %s: %w", locator, err)
	}
	delim := ','
	if pattern.Extension(locator) == "tsv" {
		delim = '\t'
	}
	return Parse(bytes.NewReader(bytes.TrimPrefix(raw, utf8BOM)), delim)
}

func Parse(r io.Reader, delim rune) (model.Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	headers, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return model.Table{}, ErrEmptyTable
	}
	if err != nil {
		return model.Table{}, fmt.Errorf("read header: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	table := model.Table{Headers: headers, Rows: [][]string{}}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.Table{}, fmt.Errorf("read row %d: %w", len(table.Rows)+1, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < len(headers) {
			padded := make([]string, len(headers))
			copy(padded, rec)
			rec = padded
		}
		table.Rows = append(table.Rows, rec)
	}
	return table, nil
}
