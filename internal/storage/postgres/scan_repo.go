package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/oryxsec/scanengine/internal/storage"
)

// ErrScanNotFound is returned when a scan id has no record.
var ErrScanNotFound = errors.New("scan not found")

// ScanRepository implements storage.ScanStore on a *gorm.DB. Both backends
// use it — the models are portable across postgres and sqlite.
type ScanRepository struct {
	db *gorm.DB
}

// NewScanRepository creates a repository on db.
func NewScanRepository(db *gorm.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

func (r *ScanRepository) CreateScan(ctx context.Context, scan *storage.Scan) error {
	m := toScanModel(scan)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.UpdatedAt = m.CreatedAt
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("creating scan %s: %w", scan.ScanID, err)
	}
	return nil
}

func (r *ScanRepository) UpdateStatus(ctx context.Context, scanID string, status storage.Status, meta *storage.StatusMeta) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if meta != nil {
		if meta.ContainerID != "" {
			updates["container_id"] = meta.ContainerID
		}
		if meta.ExitCode != nil {
			updates["exit_code"] = *meta.ExitCode
		}
		if meta.DurationMS > 0 {
			updates["duration_ms"] = meta.DurationMS
		}
		if meta.Killed {
			updates["killed"] = true
		}
		if meta.Error != "" {
			updates["error"] = meta.Error
		}
	}

	res := r.db.WithContext(ctx).Model(&scanModel{}).Where("scan_id = ?", scanID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating scan %s status: %w", scanID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("updating scan %s status: %w", scanID, ErrScanNotFound)
	}
	return nil
}

func (r *ScanRepository) AppendLog(ctx context.Context, entry *storage.LogEntry) error {
	m := &scanLogModel{
		ScanID:    entry.ScanID,
		Timestamp: entry.Timestamp,
		Level:     entry.Level,
		Message:   entry.Message,
		RawOutput: entry.RawOutput,
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("appending log for scan %s: %w", entry.ScanID, err)
	}
	return nil
}

func (r *ScanRepository) GetScan(ctx context.Context, scanID string) (*storage.Scan, error) {
	var m scanModel
	err := r.db.WithContext(ctx).Where("scan_id = ?", scanID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("scan %s: %w", scanID, ErrScanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading scan %s: %w", scanID, err)
	}
	return fromScanModel(&m), nil
}

func (r *ScanRepository) ListLogs(ctx context.Context, scanID string, limit int) ([]storage.LogEntry, error) {
	q := r.db.WithContext(ctx).Where("scan_id = ?", scanID).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []scanLogModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing logs for scan %s: %w", scanID, err)
	}

	entries := make([]storage.LogEntry, len(models))
	for i := range models {
		entries[i] = fromLogModel(&models[i])
	}
	return entries, nil
}

// Migrate creates or updates the scan tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&scanModel{}, &scanLogModel{})
}
