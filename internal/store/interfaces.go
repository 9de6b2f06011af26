package store

import (
	"context"
	"time"

	"github.com/yangwenmai/sdragent/internal/model"
)

// Lead is one prospect domain with the latest company name seen for it.
type Lead struct {
	Domain      string    `json:"domain"`
	CompanyName string    `json:"company_name"`
	RunCount    int       `json:"run_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RecordWriter persists run outcomes.
type RecordWriter interface {
	WriteSuccess(ctx context.Context, rec model.PersistedRecord) error
	WriteFailure(ctx context.Context, rec model.FailureRecord) error
}

// RecordReader provides read access to successful records.
type RecordReader interface {
	ReadRecent(ctx context.Context, limit int) ([]model.PersistedRecord, error)
	ReadSince(ctx context.Context, since time.Time) ([]model.PersistedRecord, error)
	GetRecord(ctx context.Context, runID string) (*model.PersistedRecord, error)
}

// FailureReader lists failed runs.
type FailureReader interface {
	ListFailures(ctx context.Context, limit int) ([]model.FailureRecord, error)
}

// LeadReader lists prospect domains.
type LeadReader interface {
	ListLeads(ctx context.Context, limit int) ([]Lead, error)
}

// Repository combines all CRM operations for the API layer.
type Repository interface {
	RecordWriter
	RecordReader
	FailureReader
	LeadReader
}
