package model

import "time"

// AuditEntry records one mutating management call. Meta carries non-secret
// metadata only; credential values never appear here.
type AuditEntry struct {
	ID        string
	TenantID  string
	Actor     string
	Action    string
	Entity    string
	Meta      map[string]string
	Timestamp time.Time
}
