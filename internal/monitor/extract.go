package monitor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const DefaultCompleteMark = "END OF RUN"

// MarkerExtractor reads a text file line by line. The file is complete once
// a line contains Mark; lines and the last non-blank line are reported.
type MarkerExtractor struct {
	Mark string
}

func (e MarkerExtractor) Extract(ctx context.Context, path string) (Extraction, error) {
	mark := e.Mark
	if mark == "" {
		mark = DefaultCompleteMark
	}
	f, err := os.Open(path)
	if err != nil {
		return Extraction{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lines := 0
	last := ""
	found := false
	for sc.Scan() {
		if lines%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Extraction{}, err
			}
		}
		lines++
		text := sc.Text()
		if strings.TrimSpace(text) != "" {
			last = strings.TrimSpace(text)
		}
		if strings.Contains(text, mark) {
			found = true
		}
	}
	if err := sc.Err(); err != nil {
		return Extraction{}, fmt.Errorf("scan %s: %w", path, err)
	}

	status := StatusIncomplete
	if found {
		status = StatusComplete
	}
	return Extraction{
		Status: status,
		Fields: map[string]string{
			"lines":     strconv.Itoa(lines),
			"last_line": last,
		},
	}, nil
}
