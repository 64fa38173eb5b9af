// Package store provides the SQLite persistence layer: tenant voice profiles
// and the synthesis usage log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/voice"
	_ "modernc.org/sqlite"
)

// SynthesisEvent is one completed or failed synthesis request.
type SynthesisEvent struct {
	ID        int64
	TenantID  string
	SessionID string
	Voice     string
	Language  string
	TextChars int
	AudioMS   float64
	LatencyMS int64
	Status    string
	ErrorCode string
	CreatedAt time.Time
}

// Store wraps the SQLite database. It satisfies voice.Repository.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open opens the database, applies the schema, and runs retention.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS voice_profiles (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    language TEXT,
    gender TEXT,
    age_range TEXT,
    accent TEXT,
    audio_path TEXT,
    embedding_path TEXT,
    quality_score INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voice_profiles_tenant ON voice_profiles(tenant_id, active, created_at);
CREATE TABLE IF NOT EXISTS synthesis_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    session_id TEXT,
    voice TEXT,
    language TEXT,
    text_chars INTEGER NOT NULL DEFAULT 0,
    audio_ms REAL NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error_code TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_synthesis_events_created ON synthesis_events(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InsertProfile(ctx context.Context, p voice.Profile) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode profile metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voice_profiles(id, tenant_id, name, description, language, gender, age_range, accent,
		  audio_path, embedding_path, quality_score, active, metadata, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Name, p.Description, p.Language, p.Gender, p.AgeRange, p.Accent,
		p.AudioPath, p.EmbeddingPath, p.QualityScore, boolInt(p.Active), string(meta),
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) UpdateProfile(ctx context.Context, p voice.Profile) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE voice_profiles SET name = ?, description = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND active = 1`,
		p.Name, p.Description, p.UpdatedAt.UTC().Format(time.RFC3339Nano), p.ID, p.TenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// the profile was deleted between read and write
		return protocol.NewError(protocol.KindNotFound, protocol.CodeVoiceNotFound,
			fmt.Sprintf("voice %s not found", p.ID))
	}
	return nil
}

func (s *Store) SoftDeleteProfile(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE voice_profiles SET active = 0, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		s.clock().UTC().Format(time.RFC3339Nano), id, tenantID)
	return err
}

func (s *Store) ListProfilesByTenant(ctx context.Context, tenantID string) ([]voice.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		profileColumns+` WHERE tenant_id = ? AND active = 1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []voice.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, tenantID, id string) (voice.Profile, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		profileColumns+` WHERE id = ? AND tenant_id = ? AND active = 1`, id, tenantID)
	if err != nil {
		return voice.Profile{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return voice.Profile{}, false, rows.Err()
	}
	p, err := scanProfile(rows)
	if err != nil {
		return voice.Profile{}, false, err
	}
	return p, true, nil
}

func (s *Store) CountActiveProfiles(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voice_profiles WHERE tenant_id = ? AND active = 1`, tenantID).Scan(&n)
	return n, err
}

const profileColumns = `SELECT id, tenant_id, name, description, language, gender, age_range, accent,
  audio_path, embedding_path, quality_score, active, metadata, created_at, updated_at FROM voice_profiles`

func scanProfile(rows *sql.Rows) (voice.Profile, error) {
	var (
		p            voice.Profile
		active       int
		meta         sql.NullString
		created, upd string
	)
	if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.Language, &p.Gender,
		&p.AgeRange, &p.Accent, &p.AudioPath, &p.EmbeddingPath, &p.QualityScore,
		&active, &meta, &created, &upd); err != nil {
		return voice.Profile{}, err
	}
	p.Active = active != 0
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &p.Metadata); err != nil {
			return voice.Profile{}, fmt.Errorf("decode profile metadata: %w", err)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		p.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, upd); err == nil {
		p.UpdatedAt = ts
	}
	return p, nil
}

// AppendSynthesisEvent records one synthesis request in the usage log.
func (s *Store) AppendSynthesisEvent(ctx context.Context, evt SynthesisEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synthesis_events(tenant_id, session_id, voice, language, text_chars,
		  audio_ms, latency_ms, status, error_code, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.TenantID, evt.SessionID, evt.Voice, evt.Language, evt.TextChars,
		evt.AudioMS, evt.LatencyMS, evt.Status, evt.ErrorCode,
		evt.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// RecentEvents returns up to limit usage-log entries, newest first.
func (s *Store) RecentEvents(ctx context.Context, tenantID string, limit int) ([]SynthesisEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, session_id, voice, language, text_chars, audio_ms, latency_ms, status, error_code, created_at
		 FROM synthesis_events WHERE tenant_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SynthesisEvent
	for rows.Next() {
		var (
			e       SynthesisEvent
			errCode sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.Voice, &e.Language,
			&e.TextChars, &e.AudioMS, &e.LatencyMS, &e.Status, &errCode, &created); err != nil {
			return nil, err
		}
		e.ErrorCode = errCode.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention to the usage log.
func (s *Store) Prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM synthesis_events WHERE created_at < ?`,
			cutoff.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM synthesis_events WHERE id IN (
			SELECT id FROM synthesis_events ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
