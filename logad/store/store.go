// Package store persists calibrated models in a libsql database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/hypersphere"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// ErrModelNotFound is returned when no stored model matches a query.
var ErrModelNotFound = errors.New("model not found")

// Fixed width so that lexical order is chronological order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Stage tells pretrained encoders apart from calibrated models.
type Stage string

const (
	StagePretrained Stage = "pretrained" // encoders only, no centers yet
	StageCalibrated Stage = "calibrated"
)

// StageOf is the stage m is saved under.
func StageOf(m *hypersphere.Model) Stage {
	if m.HasCenters() {
		return StageCalibrated
	}
	return StagePretrained
}

// ModelRecord describes a stored model without loading its parameters.
type ModelRecord struct {
	ID        uuid.UUID
	Corpus    string
	CreatedAt time.Time
	Stage     Stage
	Positions int
	Nu        float64
}

// ModelStore saves and loads model snapshots.
type ModelStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open connects to dsn and creates the schema. Local "file:" databases get
// their parent directory created; remote ones receive authToken.
func Open(dsn, authToken string, logger zerolog.Logger) (*ModelStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("model store dsn cannot be empty")
	}

	if path, ok := strings.CutPrefix(dsn, "file:"); ok {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, common.WrapError(err, "could not create model store directory")
			}
		}
	} else if authToken != "" {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, common.WrapError(err, "invalid model store dsn")
		}
		q := u.Query()
		q.Set("authToken", authToken)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, common.WrapError(err, "failed to open model store")
	}

	s := &ModelStore{db: db, logger: logger.With().Str("component", "store").Logger()}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ModelStore) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY UNIQUE,
		corpus TEXT NOT NULL,
		created_at TEXT NOT NULL,
		positions INTEGER NOT NULL,
		nu REAL NOT NULL,
		stage TEXT NOT NULL DEFAULT 'calibrated',
		state BLOB NOT NULL
	)`)
	if err != nil {
		return common.WrapError(err, "failed to create models table")
	}

	// Tables created before stages existed only hold calibrated models
	var hasStage int
	err = s.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('models') WHERE name = 'stage'").Scan(&hasStage)
	if err != nil {
		return common.WrapError(err, "failed to inspect models table")
	}
	if hasStage == 0 {
		if _, err := s.db.Exec("ALTER TABLE models ADD COLUMN stage TEXT NOT NULL DEFAULT 'calibrated'"); err != nil {
			return common.WrapError(err, "failed to add stage column")
		}
		s.logger.Info().Msg("Models table upgraded with stage column")
	}
	return nil
}

// Close closes the database.
func (s *ModelStore) Close() error {
	return s.db.Close()
}

// Save stores m under corpus. Saving a model twice replaces the first copy.
func (s *ModelStore) Save(ctx context.Context, corpus string, m *hypersphere.Model) error {
	state, err := json.Marshal(m.Snapshot())
	if err != nil {
		return common.WrapError(err, "error marshalling model")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return common.WrapError(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM models WHERE id = ?", m.ID.String()); err != nil {
		return common.WrapError(err, "failed to replace model")
	}
	result, err := tx.ExecContext(ctx,
		"INSERT INTO models (id, corpus, created_at, stage, positions, nu, state) VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.ID.String(), corpus, m.CreatedAt.UTC().Format(timeLayout), string(StageOf(m)), m.LineLength(), m.Nu, state)
	if err != nil {
		return common.WrapError(err, "error inserting model into database")
	}
	if n, err := result.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("expected 1 row affected, got %d", n)
	}
	if err := tx.Commit(); err != nil {
		return common.WrapError(err, "failed to commit transaction")
	}

	s.logger.Info().
		Str("id", m.ID.String()).
		Str("corpus", corpus).
		Str("stage", string(StageOf(m))).
		Int("bytes", len(state)).
		Msg("Model saved")
	return nil
}

// Load restores the model with the given id.
func (s *ModelStore) Load(ctx context.Context, id uuid.UUID) (*hypersphere.Model, error) {
	row := s.db.QueryRowContext(ctx, "SELECT state FROM models WHERE id = ?", id.String())
	return s.scanModel(row, id.String())
}

// Latest restores the most recently created calibrated model of corpus.
func (s *ModelStore) Latest(ctx context.Context, corpus string) (*hypersphere.Model, error) {
	return s.latest(ctx, corpus, StageCalibrated)
}

// LatestPretrained restores the most recently pretrained encoders of corpus.
func (s *ModelStore) LatestPretrained(ctx context.Context, corpus string) (*hypersphere.Model, error) {
	return s.latest(ctx, corpus, StagePretrained)
}

func (s *ModelStore) latest(ctx context.Context, corpus string, stage Stage) (*hypersphere.Model, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT state FROM models WHERE corpus = ? AND stage = ? ORDER BY created_at DESC LIMIT 1", corpus, string(stage))
	return s.scanModel(row, fmt.Sprintf("latest %s model of %s", stage, corpus))
}

func (s *ModelStore) scanModel(row *sql.Row, what string) (*hypersphere.Model, error) {
	var state []byte
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, what)
		}
		return nil, common.WrapError(err, "failed to scan model")
	}

	var snap hypersphere.Snapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return nil, common.WrapError(err, "error unmarshalling model")
	}
	m, err := hypersphere.FromSnapshot(snap)
	if err != nil {
		return nil, common.WrapError(err, "error restoring model %s", snap.ID)
	}
	return m, nil
}

// List returns the records of corpus at every stage, newest first.
func (s *ModelStore) List(ctx context.Context, corpus string) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, corpus, created_at, stage, positions, nu FROM models WHERE corpus = ? ORDER BY created_at DESC", corpus)
	if err != nil {
		return nil, common.WrapError(err, "error querying models")
	}
	defer rows.Close()

	var records []ModelRecord
	for rows.Next() {
		var rec ModelRecord
		var id, createdAt, stage string
		if err := rows.Scan(&id, &rec.Corpus, &createdAt, &stage, &rec.Positions, &rec.Nu); err != nil {
			return nil, common.WrapError(err, "failed to scan model record")
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, common.WrapError(err, "failed to parse model ID")
		}
		if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, common.WrapError(err, "failed to parse model timestamp")
		}
		rec.Stage = Stage(stage)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapError(err, "row iteration error")
	}
	return records, nil
}

// Delete removes a model. It reports whether a row was deleted.
func (s *ModelStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM models WHERE id = ?", id.String())
	if err != nil {
		return false, common.WrapError(err, "failed to delete model")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, common.WrapError(err, "failed to get rows affected")
	}
	return n > 0, nil
}
