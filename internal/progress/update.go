// Package progress decodes the crawl progress updates pushed over the connection.
// The connection manager treats bodies as opaque; only consumers decode them.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status is the discriminant every update carries.
type Status string

// Known statuses. Others decode as-is and report Known() == false.
const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Known reports whether s is one of the statuses above.
func (s Status) Known() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further updates are expected for the job.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Update is one progress message.
type Update struct {
	Status  Status   `json:"status"`
	Title   string   `json:"title,omitempty"`
	JobID   string   `json:"jobId,omitempty"`
	Message string   `json:"message,omitempty"`
	Percent *float64 `json:"percent,omitempty"`
	// Extra holds fields not modelled above, untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownFields = map[string]bool{
	"status": true, "title": true, "jobId": true, "message": true, "percent": true,
}

// ErrMissingStatus is returned for JSON objects without a status field.
var ErrMissingStatus = errors.New("progress update has no status")

// Decode parses body. Unknown fields are kept in Extra.
func Decode(body string) (Update, error) {
	var u Update
	if err := json.Unmarshal([]byte(body), &u); err != nil {
		return Update{}, fmt.Errorf("failed to decode progress update: %w", err)
	}
	if u.Status == "" {
		return Update{}, ErrMissingStatus
	}
	u.Status = Status(strings.ToLower(string(u.Status)))

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Update{}, fmt.Errorf("failed to decode progress update: %w", err)
	}
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if u.Extra == nil {
			u.Extra = make(map[string]json.RawMessage)
		}
		u.Extra[k] = v
	}
	return u, nil
}

// LogFields renders u as key/value pairs for the logger.
func (u Update) LogFields() []interface{} {
	fields := []interface{}{"status", string(u.Status)}
	if u.Title != "" {
		fields = append(fields, "title", u.Title)
	}
	if u.JobID != "" {
		fields = append(fields, "jobId", u.JobID)
	}
	if u.Message != "" {
		fields = append(fields, "message", u.Message)
	}
	if u.Percent != nil {
		fields = append(fields, "percent", *u.Percent)
	}
	return fields
}
