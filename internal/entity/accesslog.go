package entity

import (
	"math"
	"time"
)

type Source string

const (
	SourceWeb Source = "WEB"
	SourceAPI Source = "API"
	SourceCLI Source = "CLI"
)

type AccessLog struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"requestId"`
	Source      Source    `json:"source"`
	CommandName string    `json:"commandName,omitempty"`
	Path        string    `json:"path"`
	Method      string    `json:"method"`
	TokenID     string    `json:"tokenId"`
	TokenName   string    `json:"tokenName,omitempty"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"userAgent,omitempty"`
	StatusCode  int       `json:"statusCode"`
	DurationMs  int64     `json:"durationMs"`
	Request     string    `json:"request,omitempty"`
	Response    string    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type AccessLogStatus string

const (
	StatusAny     AccessLogStatus = ""
	StatusSuccess AccessLogStatus = "success"
	StatusError   AccessLogStatus = "error"
)

type AccessLogQuery struct {
	TokenID     string
	CommandName string
	Status      AccessLogStatus
	From        *time.Time
	To          *time.Time
	Keyword     string
	CommandOnly bool
	Page        int
	PageSize    int
}

// Offset returns the row offset of a 1-based page.
func (q AccessLogQuery) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.PageSize
}

type Page[T any] struct {
	Data        []T   `json:"data"`
	Total       int64 `json:"total"`
	Page        int   `json:"page"`
	PageSize    int   `json:"pageSize"`
	TotalPages  int   `json:"totalPages"`
	HasNext     bool  `json:"hasNext"`
	HasPrevious bool  `json:"hasPrevious"`
}

func NewPage[T any](data []T, total int64, page, pageSize int) Page[T] {
	if data == nil {
		data = []T{}
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(pageSize)))
	}
	return Page[T]{
		Data:        data,
		Total:       total,
		Page:        page,
		PageSize:    pageSize,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}
