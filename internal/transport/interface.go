package transport

import (
	"context"

	"github.com/lmoretti/maintenance-trigger-agent/internal/transport/dto"
)

// ReportSink abstracts where finished-run summaries are shipped (agent-side interface)
// Implementations: HTTP REST API to the admin service, log-only, etc.
type ReportSink interface {
	// ReportRun ships one finished-run summary
	ReportRun(ctx context.Context, report *dto.RunReportDTO) error

	// Ping checks connectivity to the sink
	Ping(ctx context.Context) error

	// Close cleans up resources
	Close() error
}
