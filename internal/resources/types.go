package resources

import (
	"time"

	"github.com/mohammed-shakir/backoffice-sync/internal/timerange"
)

// Filters are passed through as query parameters.
type Filters map[string]string

type Point struct {
	T time.Time `json:"t"`
	V float64   `json:"v"`
}

type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

type Dashboard struct {
	Range   timerange.Range    `json:"-"`
	Metrics map[string]float64 `json:"metrics"`
	Series  []Series           `json:"series,omitempty"`
}

type Realtime struct {
	ActiveUsers  int                `json:"activeUsers"`
	Transactions int                `json:"transactions"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	At           time.Time          `json:"at"`
}

type Report struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Type      string            `json:"type"`
	Status    string            `json:"status,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type ReportList struct {
	Items []Report `json:"items"`
	Total int      `json:"total"`
}

type ReportInput struct {
	Title   string            `json:"title"`
	Type    string            `json:"type"`
	Filters map[string]string `json:"filters,omitempty"`
}

// ReportPatch only sends the fields that are set.
type ReportPatch struct {
	Title   *string           `json:"title,omitempty"`
	Status  *string           `json:"status,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

type ScheduledReport struct {
	ID         string    `json:"id"`
	ReportID   string    `json:"reportId"`
	Schedule   string    `json:"schedule"`
	Recipients []string  `json:"recipients"`
	NextRunAt  time.Time `json:"nextRunAt"`
}

type ScheduleInput struct {
	ReportID   string   `json:"reportId"`
	Schedule   string   `json:"schedule"`
	Recipients []string `json:"recipients"`
}
