package api

import (
	"encoding/json"
	"time"

	"github.com/g960059/drillgrid/internal/db"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/navigation"
	"github.com/g960059/drillgrid/internal/promotion"
	"github.com/g960059/drillgrid/internal/tabular"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type TasksEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Revision      int64        `json:"revision"`
	Tasks         []model.Task `json:"tasks"`
}

type TaskEnvelope struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Task          model.Task `json:"task"`
}

type ShellRequest struct {
	Commands []string `json:"commands"`
}

type ShellResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Result        string    `json:"result"`
	Outputs       []string  `json:"outputs,omitempty"`
}

type ExistsResponse struct {
	Locator string `json:"locator"`
	Exists  bool   `json:"exists"`
}

type PromotionItem struct {
	PromotionID string          `json:"promotion_id"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  string          `json:"received_at"`
}

type PromotionRecorded struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	PromotionID   string    `json:"promotion_id"`
	Key           string    `json:"key"`
}

type PromotionsEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Promotions    []PromotionItem `json:"promotions"`
}

type PromoteRequest struct {
	Row int `json:"row"`
}

type PromoteResponse struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Result        promotion.Result `json:"result"`
}

type DispatchesEnvelope struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Dispatches    []db.DispatchRecord `json:"dispatches"`
}

type TableEnvelope struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Locator       string                `json:"locator,omitempty"`
	Headers       []string              `json:"headers"`
	Rows          [][]string            `json:"rows"`
	PromoteRows   []bool                `json:"promote_rows,omitempty"`
	Searches      []tabular.SearchField `json:"searches,omitempty"`
	Presets       []model.SearchPreset  `json:"presets,omitempty"`
}

type ClickRequest struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

type SelectRequest struct {
	View int `json:"view"`
	Row  int `json:"row"`
	Col  int `json:"col"`
}

type ReturnRequest struct {
	Step int `json:"step"`
}

type SessionEnvelope struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	SessionID     string              `json:"session_id"`
	Outcome       string              `json:"outcome,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Moved         *bool               `json:"moved,omitempty"`
	Snapshot      navigation.Snapshot `json:"snapshot"`
	Promotion     *promotion.Result   `json:"promotion,omitempty"`
	Notices       []model.Notice      `json:"notices,omitempty"`
}

type SearchesEnvelope struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Fields        []tabular.SearchField `json:"fields"`
	Presets       []model.SearchPreset  `json:"presets"`
}
