package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// BrowserInstanceStatus represents the status of a browser instance
type BrowserInstanceStatus string

const (
	BrowserInstanceStatusReady  BrowserInstanceStatus = "ready"
	BrowserInstanceStatusBusy   BrowserInstanceStatus = "busy"
	BrowserInstanceStatusClosed BrowserInstanceStatus = "closed"
)

// Close reasons recorded on BrowserInstanceRecord.
const (
	CloseReasonIdle     = "idle"
	CloseReasonExplicit = "explicit"
	CloseReasonShutdown = "shutdown"
	// CloseReasonExited marks a process that exited on its own.
	CloseReasonExited = "exited"
	// CloseReasonStale marks records left open by a previous process.
	CloseReasonStale = "stale"
)

// StringList is a slice of strings stored as JSON
type StringList []string

// Value implements driver.Valuer
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = StringList{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte or string failed")
	}
	return json.Unmarshal(bytes, s)
}

// BrowserInstanceRecord represents a browser instance record in database
type BrowserInstanceRecord struct {
	ID             string                `json:"id" gorm:"primaryKey;size:36"`
	Fingerprint    string                `json:"fingerprint" gorm:"index;size:32"`
	Executable     string                `json:"executable" gorm:"size:1024"`
	Headless       bool                  `json:"headless"`
	Debug          bool                  `json:"debug"`
	Args           StringList            `json:"args" gorm:"type:text"`
	DevToolsAddr   string                `json:"devtools_addr" gorm:"size:64"`
	DevToolsURL    string                `json:"devtools_url" gorm:"size:256"`
	Status         BrowserInstanceStatus `json:"status" gorm:"size:32;index"`
	CloseReason    string                `json:"close_reason,omitempty" gorm:"size:32"`
	PagesOpened    int                   `json:"pages_opened"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivityAt time.Time             `json:"last_activity_at"`
	ClosedAt       *time.Time            `json:"closed_at"`
}

// TableName returns the table name
func (BrowserInstanceRecord) TableName() string {
	return "browser_instances"
}
