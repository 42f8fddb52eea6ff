package audit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidRetention is returned when a purge asks for fewer than one day.
	ErrInvalidRetention = errors.New("retention must be at least one day")
	// ErrAccessDenied is returned when the gate refuses an audit operation.
	// Gate implementations wrap it so handlers can map the refusal to 403.
	ErrAccessDenied = errors.New("audit access denied")
	// ErrInvalidWindow is returned when an aggregation window is empty.
	ErrInvalidWindow = errors.New("invalid aggregation window")
)

// Result is the outcome recorded for an entry.
type Result string

const (
	ResultGranted Result = "granted"
	ResultDenied  Result = "denied"
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Valid reports whether r is a known result.
func (r Result) Valid() bool {
	switch r {
	case ResultGranted, ResultDenied, ResultSuccess, ResultFailure:
		return true
	}
	return false
}

// Entry is a single audit log record. Entries are immutable once appended.
type Entry struct {
	ID                string            `json:"id"`
	OrgID             string            `json:"org_id"`
	UserID            string            `json:"user_id"`
	Action            string            `json:"action"`
	ResourceType      string            `json:"resource_type"`
	ResourceID        string            `json:"resource_id,omitempty"`
	PermissionChecked string            `json:"permission_checked,omitempty"`
	Result            Result            `json:"result"`
	Context           map[string]string `json:"context,omitempty"`
	Changes           *Changes          `json:"changes,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// Changes tracks before/after values for updates
type Changes struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// Filter selects entries for Search. OrgID is required; zero values are
// ignored. The window is [From, To).
type Filter struct {
	OrgID        string
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Result       Result
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// Bucket is one group of an aggregation.
type Bucket struct {
	Action string `json:"action"`
	UserID string `json:"user_id"`
	Result Result `json:"result"`
	Count  int64  `json:"count"`
}

// Report is the aggregation of a window of entries.
type Report struct {
	OrgID       string           `json:"org_id"`
	From        time.Time        `json:"from"`
	To          time.Time        `json:"to"`
	Total       int64            `json:"total"`
	ByResult    map[Result]int64 `json:"by_result"`
	Buckets     []Bucket         `json:"buckets"`
	Denied      []Bucket         `json:"denied"`
	DeniedTotal int64            `json:"denied_total"`
}

// Sink receives audit entries. Recorder is the production implementation.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
}

// Gate answers the authority questions the recorder cannot answer itself.
type Gate interface {
	// RequireHighestAuthority returns an error unless userID holds the
	// highest-authority role of orgID.
	RequireHighestAuthority(ctx context.Context, orgID, userID string) error
	// CheckAccess returns an error unless userID may perform action on
	// resourceType across the organization.
	CheckAccess(ctx context.Context, orgID, userID, resourceType, action string) error
}
