package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/g960059/drillgrid/internal/dashboard"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/monitor"
	"github.com/g960059/drillgrid/internal/navigation"
	"github.com/g960059/drillgrid/internal/pattern"
	"github.com/g960059/drillgrid/internal/promotion"
	"github.com/g960059/drillgrid/internal/rules"
	"github.com/g960059/drillgrid/internal/tabular"
)

var (
	ErrNoMainTable = errors.New("main table source is required")
	ErrInvalidRule = errors.New("invalid rule")
)

type Config struct {
	ListenAddr      string               `yaml:"listen_addr"`
	DBPath          string               `yaml:"db_path"`
	DataDir         string               `yaml:"data_dir"`
	MainTable       string               `yaml:"main_table"`
	Separator       string               `yaml:"separator"`
	SelectorMode    string               `yaml:"selector_mode" validate:"omitempty,oneof=multi single legacy"`
	PromoteColumn   *int                 `yaml:"promote_column" validate:"omitempty,min=0"`
	Promote         PromoteConfig        `yaml:"promote"`
	Rules           map[int][]RuleConfig `yaml:"rules" validate:"dive,dive"`
	ColumnTypes     ColumnTypes          `yaml:"column_types"`
	SearchPresets   SearchPresets        `yaml:"search_presets"`
	CommandTimeout  time.Duration        `yaml:"command_timeout" validate:"gte=0"`
	RetryBackoff    []time.Duration      `yaml:"retry_backoff"`
	Shell           string               `yaml:"shell"`
	ShellDetachLast bool                 `yaml:"shell_detach_last"`
	SessionTTL      time.Duration        `yaml:"session_ttl" validate:"gte=0"`
	Monitor         MonitorConfig        `yaml:"monitor"`
	LogLevel        string               `yaml:"log_level"`
	LogDevelopment  bool                 `yaml:"log_development"`
}

// RuleConfig is the file form of a drilldown rule. Template is also
// accepted as fileformat.
type RuleConfig struct {
	Level      int      `yaml:"level" validate:"min=1"`
	Event      string   `yaml:"event" validate:"required"`
	Range      string   `yaml:"range"`
	Template   string   `yaml:"template"`
	FileFormat string   `yaml:"fileformat"`
	FileType   string   `yaml:"filetype"`
	Commands   []string `yaml:"commands"`
}

type PromoteConfig struct {
	KeyColumns  []int    `yaml:"key_columns" validate:"dive,min=0"`
	DataColumns []int    `yaml:"data_columns" validate:"dive,min=0"`
	DataFiles   []string `yaml:"data_files"`
	FlowField   string   `yaml:"flow_field"`
}

// ColumnTypes maps column keys (index or header) to search types for the
// main table and for each drill step.
type ColumnTypes struct {
	Main   map[string]string         `yaml:"main"`
	ByStep map[int]map[string]string `yaml:"by_step"`
}

// SearchPresets holds presets for the main table and, per trigger column,
// a list indexed by step.
type SearchPresets struct {
	Main  []model.SearchPreset            `yaml:"main"`
	ByCol map[int][][]model.SearchPreset `yaml:"by_col"`
}

type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Root         string        `yaml:"root"`
	Patterns     []string      `yaml:"patterns"`
	Interval     time.Duration `yaml:"interval" validate:"gte=0"`
	Workers      int           `yaml:"workers" validate:"gte=0"`
	RecordsPath  string        `yaml:"records_path"`
	StatePath    string        `yaml:"state_path"`
	CompleteMark string        `yaml:"complete_mark"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8787",
		DBPath:          defaultDBPath(),
		DataDir:         ".",
		Separator:       "_",
		SelectorMode:    string(rules.ModeMulti),
		CommandTimeout:  5 * time.Second,
		RetryBackoff:    []time.Duration{250 * time.Millisecond, 1 * time.Second},
		Shell:           "/bin/sh",
		ShellDetachLast: true,
		SessionTTL:      30 * time.Minute,
		Monitor: MonitorConfig{
			Interval:     30 * time.Second,
			Workers:      4,
			Patterns:     []string{"*.log"},
			RecordsPath:  "records.csv",
			StatePath:    "monitor_state.json",
			CompleteMark: "END OF RUN",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	if strings.TrimSpace(c.MainTable) == "" {
		return ErrNoMainTable
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	for col, list := range c.Rules {
		for i, rc := range list {
			if _, err := rc.Rule(); err != nil {
				return fmt.Errorf("rules[%d][%d]: %w", col, i, err)
			}
		}
	}
	return nil
}

// RuleTable converts the configured rules into the engine's form.
func (c Config) RuleTable() (model.RuleTable, error) {
	out := make(model.RuleTable, len(c.Rules))
	for col, list := range c.Rules {
		converted := make([]model.Rule, 0, len(list))
		for i, rc := range list {
			r, err := rc.Rule()
			if err != nil {
				return nil, fmt.Errorf("rules[%d][%d]: %w", col, i, err)
			}
			converted = append(converted, r)
		}
		out[col] = converted
	}
	return out, nil
}

func (c Config) Selector() (rules.Selector, error) {
	mode, err := rules.ParseMode(c.SelectorMode)
	if err != nil {
		return rules.Selector{}, err
	}
	return rules.NewSelector(mode), nil
}

func (c Config) PromotionConfig() promotion.Config {
	return promotion.Config{
		KeyColumns:  append([]int(nil), c.Promote.KeyColumns...),
		DataColumns: append([]int(nil), c.Promote.DataColumns...),
		DataFiles:   append([]string(nil), c.Promote.DataFiles...),
		FlowField:   c.Promote.FlowField,
		Separator:   c.Separator,
	}
}

func (c Config) PresetTable() navigation.PresetTable {
	return navigation.PresetTable(c.SearchPresets.ByCol)
}

// Dashboard collects what a dashboard session needs from the config.
func (c Config) Dashboard() (dashboard.Settings, error) {
	table, err := c.RuleTable()
	if err != nil {
		return dashboard.Settings{}, err
	}
	sel, err := c.Selector()
	if err != nil {
		return dashboard.Settings{}, err
	}
	promoteCol := dashboard.NoPromoteColumn
	if c.PromoteColumn != nil {
		promoteCol = *c.PromoteColumn
	}
	return dashboard.Settings{
		Rules:         table,
		Selector:      sel,
		PromoteColumn: promoteCol,
		Presets:       c.PresetTable(),
		MainPresets:   c.SearchPresets.Main,
		MainTypes:     c.ColumnTypes.Main,
		StepTypes:     c.ColumnTypes.ByStep,
	}, nil
}

// MonitorOptions builds log monitor options. Relative records and state
// paths are placed under the monitor root.
func (c Config) MonitorOptions() monitor.Options {
	root := c.Monitor.Root
	if root == "" {
		root = c.DataDir
	}
	under := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	return monitor.Options{
		Root:        root,
		Patterns:    append([]string(nil), c.Monitor.Patterns...),
		Interval:    c.Monitor.Interval,
		Workers:     c.Monitor.Workers,
		RecordsPath: under(c.Monitor.RecordsPath),
		StatePath:   under(c.Monitor.StatePath),
		Extractor:   monitor.MarkerExtractor{Mark: c.Monitor.CompleteMark},
	}
}

// Rule converts one file rule, checking that only shell rules carry
// commands.
func (rc RuleConfig) Rule() (model.Rule, error) {
	event, ok := model.ParseEvent(rc.Event)
	if !ok {
		return model.Rule{}, fmt.Errorf("%w: unknown event %q", ErrInvalidRule, rc.Event)
	}
	if rc.Level < 1 {
		return model.Rule{}, fmt.Errorf("%w: level must be >= 1", ErrInvalidRule)
	}
	template := rc.Template
	if template == "" {
		template = rc.FileFormat
	}
	target := TargetFor(rc.FileType, template, rc.Commands)
	if _, isShell := target.(model.ShellTarget); !isShell && len(rc.Commands) > 0 {
		return model.Rule{}, fmt.Errorf("%w: commands on a %s rule", ErrInvalidRule, target.Kind())
	}
	return model.Rule{
		Level:    rc.Level,
		Event:    event,
		Range:    rc.Range,
		Template: template,
		Target:   target,
	}, nil
}

var (
	imageTypes = []string{"png", "jpg", "jpeg", "gif", "bmp", "webp", "svg", "image"}
	videoTypes = []string{"mp4", "webm", "ogg", "video"}
	audioTypes = []string{"mp3", "wav", "flac", "m4a", "aac", "oga", "audio"}
)

// TargetFor maps a filetype to a rule target. An empty filetype is inferred
// from the template's extension.
func TargetFor(fileType, template string, commands []string) model.Target {
	t := strings.ToLower(strings.TrimSpace(fileType))
	if t == "" {
		t = pattern.Extension(template)
	}
	switch {
	case t == "shell":
		return model.ShellTarget{Commands: append([]string(nil), commands...)}
	case t == "csv" || t == "tsv" || t == "table":
		return model.TableTarget{}
	case t == "html" || t == "htm" || t == "pdf" || t == "document":
		return model.DocumentTarget{}
	case t == "media":
		if mt, ok := TargetFor("", template, nil).(model.MediaTarget); ok {
			return mt
		}
		return model.MediaTarget{Media: model.MediaVideo}
	case contains(videoTypes, t):
		return model.MediaTarget{Media: model.MediaVideo}
	case contains(imageTypes, t):
		return model.MediaTarget{Media: model.MediaImage}
	case contains(audioTypes, t):
		return model.MediaTarget{Media: model.MediaAudio}
	default:
		return model.OtherTarget{}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// NormalizeColumnType maps a configured column type to a search type.
func NormalizeColumnType(spec string) (string, bool) {
	return tabular.NormalizeSearchType(spec)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "drillgrid.db"
	}
	return filepath.Join(home, ".local", "state", "drillgrid", "state.db")
}
