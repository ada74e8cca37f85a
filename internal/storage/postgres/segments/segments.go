package segmentstorage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/storage/postgres"
)

type SegmentStorage struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *SegmentStorage {
	return &SegmentStorage{
		db: db,
	}
}

func (s *SegmentStorage) Exists(ctx context.Context, filePath string) (bool, error) {
	const op = "storage.postgres.segments.Exists"

	var exists bool

	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE file_path = $1)`, postgres.SegmentsTable)
	if err := s.db.GetContext(ctx, &exists, query, filePath); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return exists, nil
}

// Insert stores rec unless a row with the same file_path already exists.
// It reports whether a row was written.
func (s *SegmentStorage) Insert(ctx context.Context, rec models.SegmentRecord) (bool, error) {
	const op = "storage.postgres.segments.Insert"

	query := fmt.Sprintf(`INSERT INTO %s
		(file_path, camera_id, camera_name, file_name, start_time, end_time, duration_seconds, file_size, created_at)
		VALUES (:file_path, :camera_id, :camera_name, :file_name, :start_time, :end_time, :duration_seconds, :file_size, :created_at)
		ON CONFLICT (file_path) DO NOTHING`, postgres.SegmentsTable)

	result, err := s.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return rowsAffected == 1, nil
}
