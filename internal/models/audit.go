package models

import "time"

// AuditEntry は audit_logs テーブルの1行です。追記のみで更新しません。
type AuditEntry struct {
	ID            int64          `json:"id"`
	EventType     string         `json:"event_type"`
	UserID        *int64         `json:"user_id"`
	Username      string         `json:"username,omitempty"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Changes       map[string]any `json:"changes,omitempty"`
	IPAddress     string         `json:"ip_address"`
	UserAgent     string         `json:"user_agent"`
	RequestPath   string         `json:"request_path"`
	RequestMethod string         `json:"request_method"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AuditFilter は監査ログ検索の条件です。
type AuditFilter struct {
	UserID    *int64
	EventType string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
