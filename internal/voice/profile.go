// Package voice owns the lifecycle of tenant-uploaded reference voices:
// validation, artifact storage, embedding generation, metadata persistence,
// and quota enforcement.
package voice

import (
	"context"
	"time"
)

// Profile is a synthesizable voice owned by a tenant. The reference audio and
// embedding are immutable once created; re-uploading creates a new profile.
type Profile struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Language      string         `json:"language"`
	Gender        string         `json:"gender,omitempty"`
	AgeRange      string         `json:"age_range,omitempty"`
	Accent        string         `json:"accent,omitempty"`
	AudioPath     string         `json:"-"`
	EmbeddingPath string         `json:"-"`
	QualityScore  int            `json:"quality_score"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Repository persists profile records. The backing table is opaque to this
// package.
type Repository interface {
	InsertProfile(ctx context.Context, p Profile) error
	UpdateProfile(ctx context.Context, p Profile) error
	SoftDeleteProfile(ctx context.Context, tenantID, id string) error
	// ListProfilesByTenant returns active profiles, newest first.
	ListProfilesByTenant(ctx context.Context, tenantID string) ([]Profile, error)
	// GetProfile returns an active profile; ok is false when absent.
	GetProfile(ctx context.Context, tenantID, id string) (Profile, bool, error)
	CountActiveProfiles(ctx context.Context, tenantID string) (int, error)
}

// BlobStore holds reference audio and embedding artifacts under
// tenant-scoped paths.
type BlobStore interface {
	SaveAudio(tenantID, voiceID string, data []byte) (string, error)
	SaveEmbedding(tenantID, voiceID string, data []byte) (string, error)
	Remove(path string) error
}

// Embedder derives a speaker embedding from a reference clip. Satisfied by
// the synthesis engine.
type Embedder interface {
	Embed(ctx context.Context, refAudio []byte) ([]byte, error)
}

// UploadRequest carries the caller-supplied metadata for a new voice.
type UploadRequest struct {
	Name        string
	Description string
	Language    string
	Gender      string
	AgeRange    string
	Accent      string
	Filename    string
}

// UploadResult reports a successful upload.
type UploadResult struct {
	VoiceID      string   `json:"voice_id"`
	QualityScore int      `json:"quality_score"`
	Warnings     []string `json:"warnings,omitempty"`
}

// MetadataPatch updates display metadata only; nil fields are untouched.
type MetadataPatch struct {
	Name        *string
	Description *string
}
