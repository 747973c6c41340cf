package driven

import (
	"context"

	"github.com/ericfisherdev/credguard/internal/domain/model"
)

// AuditSink is the append-only destination for audit entries.
type AuditSink interface {
	Append(ctx context.Context, entry model.AuditEntry) error
}
