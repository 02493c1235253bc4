// Package monitor tracks a set of output files. Every scan stats all files;
// new or changed files get a slow extraction in a bounded worker pool. The
// results are written to a records CSV and a state JSON that survives
// restarts.
package monitor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/metrics"
)

const (
	StatusUnknown    = "unknown"
	StatusExtracting = "extracting"
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

var ErrNoPatterns = errors.New("monitor needs at least one file pattern")

// Extraction is what a slow pass learned about a file.
type Extraction struct {
	Status string
	Fields map[string]string
}

type Extractor interface {
	Extract(ctx context.Context, path string) (Extraction, error)
}

type ExtractorFunc func(ctx context.Context, path string) (Extraction, error)

func (f ExtractorFunc) Extract(ctx context.Context, path string) (Extraction, error) {
	return f(ctx, path)
}

// FileState is the persisted per-file memory of the monitor.
type FileState struct {
	LastStatus         string            `json:"last_status"`
	LastExtractedMtime time.Time         `json:"last_extracted_mtime"`
	RerunCount         int               `json:"rerun_count"`
	Fields             map[string]string `json:"fields,omitempty"`
}

// Record is one row of the records CSV.
type Record struct {
	File       string
	Status     string
	RerunCount int
	Mtime      time.Time
	Size       int64
	Fields     map[string]string
}

type Options struct {
	Root        string
	Patterns    []string
	Interval    time.Duration
	Workers     int
	RecordsPath string
	StatePath   string
	Extractor   Extractor
	Logger      *zap.Logger
	Now         func() time.Time
}

type result struct {
	file       string
	mtime      time.Time
	rerun      bool
	canceled   bool
	extraction Extraction
	err        error
}

// Monitor is driven by one goroutine (Run or the caller of Scan); only the
// extraction workers run concurrently and hand back results through done.
type Monitor struct {
	opts    Options
	logger  *zap.Logger
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	mu      sync.Mutex
	done    []result
	state   map[string]FileState
	records map[string]*Record
	running map[string]bool
}

func New(opts Options) (*Monitor, error) {
	if len(opts.Patterns) == 0 {
		return nil, ErrNoPatterns
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Extractor == nil {
		opts.Extractor = MarkerExtractor{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	state, err := LoadState(opts.StatePath)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		state:   state,
		records: map[string]*Record{},
		running: map[string]bool{},
	}, nil
}

// Run scans every interval and whenever a watched directory changes, until
// ctx is done. In-flight extractions are awaited and flushed before return.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck
	for _, dir := range m.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			m.logger.Warn("watch directory failed", zap.String("dir", dir), zap.Error(err))
		}
	}

	trigger := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 || !m.matches(ev.Name) {
					continue
				}
				select {
				case trigger <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				m.logger.Warn("watcher error", zap.Error(err))
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			if err := m.Scan(gctx); err != nil {
				m.logger.Warn("monitor scan failed", zap.Error(err))
			}
			select {
			case <-gctx.Done():
				return m.Drain(context.WithoutCancel(gctx))
			case <-ticker.C:
			case <-trigger:
			}
		}
	})
	return g.Wait()
}

// Scan runs one cycle: fast stats for every matching file, extraction for
// files that are new or changed since their last extraction, collection of
// finished extractions, then persistence of whatever changed.
func (m *Monitor) Scan(ctx context.Context) error {
	files, err := m.files()
	if err != nil {
		return err
	}
	dirtyCSV, dirtyState := false, false

	seen := make(map[string]bool, len(files))
	for _, rel := range files {
		info, err := os.Stat(filepath.Join(m.opts.Root, rel))
		if err != nil {
			continue
		}
		seen[rel] = true
		mtime, size := info.ModTime(), info.Size()

		prev, known := m.state[rel]
		rerun := prev.RerunCount
		status := prev.LastStatus
		if status == "" {
			status = StatusUnknown
		}
		needExtract := !known || mtime.After(prev.LastExtractedMtime)
		if needExtract && !m.running[rel] {
			bumped := prev.LastStatus == StatusComplete
			if bumped {
				rerun++
				prev.RerunCount = rerun
				m.state[rel] = prev
			}
			status = StatusExtracting
			m.start(ctx, rel, mtime, bumped)
			dirtyState = true
		} else if m.running[rel] {
			status = StatusExtracting
		}

		rec, ok := m.records[rel]
		if !ok {
			m.records[rel] = &Record{File: rel, Status: status, RerunCount: rerun, Mtime: mtime, Size: size, Fields: copyFields(prev.Fields)}
			dirtyCSV = true
			continue
		}
		if !rec.Mtime.Equal(mtime) || rec.Size != size || rec.Status != status || rec.RerunCount != rerun {
			dirtyCSV = true
		}
		rec.Mtime, rec.Size, rec.Status, rec.RerunCount = mtime, size, status, rerun
	}
	for rel := range m.records {
		if !seen[rel] && !m.running[rel] {
			delete(m.records, rel)
			dirtyCSV = true
		}
	}

	if m.collect() {
		dirtyCSV, dirtyState = true, true
	}
	return m.persist(dirtyCSV, dirtyState)
}

// Drain waits for in-flight extractions and persists their results.
func (m *Monitor) Drain(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	changed := m.collect()
	return m.persist(changed, changed)
}

// Records returns the current rows sorted by modification time, then file.
func (m *Monitor) Records() []Record {
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		rec := *r
		rec.Fields = copyFields(r.Fields)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Mtime.Equal(out[j].Mtime) {
			return out[i].Mtime.Before(out[j].Mtime)
		}
		return out[i].File < out[j].File
	})
	return out
}

func (m *Monitor) State() map[string]FileState {
	out := make(map[string]FileState, len(m.state))
	for k, v := range m.state {
		v.Fields = copyFields(v.Fields)
		out[k] = v
	}
	return out
}

func (m *Monitor) start(ctx context.Context, rel string, mtime time.Time, rerun bool) {
	m.running[rel] = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res := result{file: rel, mtime: mtime, rerun: rerun}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			res.err = err
		} else {
			res.extraction, res.err = m.opts.Extractor.Extract(ctx, filepath.Join(m.opts.Root, rel))
			m.sem.Release(1)
		}
		res.canceled = res.err != nil && (ctx.Err() != nil || errors.Is(res.err, context.Canceled))
		m.mu.Lock()
		m.done = append(m.done, res)
		m.mu.Unlock()
	}()
}

func (m *Monitor) collect() bool {
	m.mu.Lock()
	finished := m.done
	m.done = nil
	m.mu.Unlock()

	for _, res := range finished {
		delete(m.running, res.file)
		if res.canceled {
			m.abandon(res)
			continue
		}
		st := m.state[res.file]
		status := res.extraction.Status
		if res.err != nil {
			status = "error: " + res.err.Error()
			metrics.MonitorExtractions.WithLabelValues("error").Inc()
		} else {
			metrics.MonitorExtractions.WithLabelValues("ok").Inc()
		}
		if status == "" {
			status = StatusUnknown
		}
		st.LastStatus = status
		st.LastExtractedMtime = res.mtime
		if res.err == nil {
			st.Fields = copyFields(res.extraction.Fields)
		}
		m.state[res.file] = st

		if rec, ok := m.records[res.file]; ok {
			rec.Status = status
			rec.RerunCount = st.RerunCount
			rec.Fields = copyFields(st.Fields)
		}
		m.logger.Info("extraction done",
			zap.String("file", res.file),
			zap.String("status", status),
			zap.Int("rerun_count", st.RerunCount))
	}
	return len(finished) > 0
}

// abandon drops an extraction cut short by cancellation. The file keeps its
// last extracted mtime, so the next scan, in this process or a later one,
// extracts it again.
func (m *Monitor) abandon(res result) {
	st, known := m.state[res.file]
	if known && res.rerun && st.RerunCount > 0 {
		st.RerunCount--
		m.state[res.file] = st
	}
	if rec, ok := m.records[res.file]; ok {
		status := st.LastStatus
		if status == "" {
			status = StatusUnknown
		}
		rec.Status = status
		rec.RerunCount = st.RerunCount
	}
	metrics.MonitorExtractions.WithLabelValues("canceled").Inc()
	m.logger.Debug("extraction canceled", zap.String("file", res.file))
}

func (m *Monitor) persist(csvDirty, stateDirty bool) error {
	if csvDirty && m.opts.RecordsPath != "" && len(m.records) > 0 {
		if err := WriteRecords(m.opts.RecordsPath, m.Records()); err != nil {
			return err
		}
	}
	if stateDirty && m.opts.StatePath != "" {
		if err := SaveState(m.opts.StatePath, m.state); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) files() ([]string, error) {
	set := map[string]struct{}{}
	for _, p := range m.opts.Patterns {
		matches, err := filepath.Glob(filepath.Join(m.opts.Root, p))
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(m.opts.Root, match)
			if err != nil {
				continue
			}
			set[filepath.ToSlash(rel)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Monitor) matches(path string) bool {
	rel, err := filepath.Rel(m.opts.Root, path)
	if err != nil {
		return false
	}
	for _, p := range m.opts.Patterns {
		if ok, _ := filepath.Match(filepath.Clean(p), rel); ok {
			return true
		}
	}
	return false
}

func (m *Monitor) watchDirs() []string {
	set := map[string]struct{}{}
	for _, p := range m.opts.Patterns {
		dir := filepath.Dir(filepath.Join(m.opts.Root, p))
		if strings.ContainsAny(dir, "*?[") {
			continue
		}
		set[dir] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// LoadState reads the state file. A missing or corrupt file is an empty
// state.
func LoadState(path string) (map[string]FileState, error) {
	state := map[string]FileState{}
	if path == "" {
		return state, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read monitor state: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return map[string]FileState{}, nil
	}
	return state, nil
}

func SaveState(path string, state map[string]FileState) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode monitor state: %w", err)
	}
	return writeAtomic(path, raw)
}

// WriteRecords writes records as CSV: file, status, rerun_count, mtime,
// size, then every extracted field in name order.
func WriteRecords(path string, records []Record) error {
	fieldSet := map[string]struct{}{}
	for _, r := range records {
		for k := range r.Fields {
			fieldSet[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	header := append([]string{"file", "status", "rerun_count", "mtime", "size"}, fields...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.File,
			r.Status,
			strconv.Itoa(r.RerunCount),
			r.Mtime.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(r.Size, 10),
		}
		for _, f := range fields {
			row = append(row, r.Fields[f])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	return writeAtomic(path, []byte(buf.String()))
}

func writeAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", path, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func copyFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
