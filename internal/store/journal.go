package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"apkforge/internal/artifact"
	"apkforge/internal/logging"
)

// ArtifactJournal persists artifact snapshots so the in-memory store can be
// rebuilt after a restart. It satisfies artifact.Journal.
type ArtifactJournal struct {
	db      *DB
	timeout time.Duration
}

// NewArtifactJournal creates a journal on the shared database.
func NewArtifactJournal(db *DB) *ArtifactJournal {
	return &ArtifactJournal{db: db, timeout: 5 * time.Second}
}

// Record upserts the snapshot by id.
func (j *ArtifactJournal) Record(a artifact.Artifact) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	features := a.Features
	if features == nil {
		features = []string{}
	}
	encoded, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	_, err = j.db.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, original_filename, upload_path, owner_id, state, output_dir,
			source_path, features, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			output_dir = excluded.output_dir,
			source_path = excluded.source_path,
			features = excluded.features,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at`,
		a.ID, a.OriginalFilename, a.UploadPath, a.OwnerID, string(a.State), a.OutputDir,
		a.SourcePath, string(encoded), a.FailureReason, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.ID, err)
	}
	logging.StoreDebug("Journaled artifact %s (%s)", a.ID, a.State)
	return nil
}

// LoadArtifacts returns every journaled artifact, oldest first.
func (j *ArtifactJournal) LoadArtifacts(ctx context.Context) ([]artifact.Artifact, error) {
	rows, err := j.db.db.QueryContext(ctx, `
		SELECT id, original_filename, upload_path, owner_id, state, output_dir,
			source_path, features, failure_reason, created_at, updated_at
		FROM artifacts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer rows.Close()

	var out []artifact.Artifact
	for rows.Next() {
		var (
			a                  artifact.Artifact
			state, features    string
			createdAt, updated string
		)
		if err := rows.Scan(&a.ID, &a.OriginalFilename, &a.UploadPath, &a.OwnerID, &state,
			&a.OutputDir, &a.SourcePath, &features, &a.FailureReason, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if a.State, err = artifact.ParseState(state); err != nil {
			return nil, fmt.Errorf("artifact %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(features), &a.Features); err != nil {
			logging.Get(logging.CategoryStore).Warn("Artifact %s has unreadable features %q: %v", a.ID, features, err)
		}
		if len(a.Features) == 0 {
			a.Features = nil
		}
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updated)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}

	logging.Store("Loaded %d journaled artifacts", len(out))
	return out, nil
}

// ListByOwner returns the ids of artifacts uploaded by a user.
func (j *ArtifactJournal) ListByOwner(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := j.db.db.QueryContext(ctx,
		"SELECT id FROM artifacts WHERE owner_id = ? ORDER BY created_at, id", ownerID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
