package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/voicegate/voicegate/internal/protocol"
)

// Manager coordinates upload validation, artifact persistence, embedding
// generation, and profile records.
type Manager struct {
	repo     Repository
	blobs    BlobStore
	embedder Embedder
	log      *slog.Logger
	clock    func() time.Time
	newID    func() string
}

func NewManager(repo Repository, blobs BlobStore, embedder Embedder, log *slog.Logger) *Manager {
	return &Manager{
		repo:     repo,
		blobs:    blobs,
		embedder: embedder,
		log:      log.With(slog.String("component", "voice-manager")),
		clock:    time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Upload validates the clip, persists artifacts and the profile record, and
// derives an embedding. maxUploads is the tenant's active-profile quota.
// Any failure after partial persistence rolls back written artifacts.
func (m *Manager) Upload(ctx context.Context, tenantID string, maxUploads int, req UploadRequest, audio []byte) (UploadResult, error) {
	if strings.TrimSpace(req.Name) == "" {
		return UploadResult{}, protocol.NewError(protocol.KindInput, protocol.CodeInvalidOptions,
			"voice name is required")
	}
	if len(audio) == 0 {
		return UploadResult{}, protocol.NewError(protocol.KindInput, protocol.CodeMissingInput,
			"reference audio is required")
	}

	active, err := m.repo.CountActiveProfiles(ctx, tenantID)
	if err != nil {
		return UploadResult{}, fmt.Errorf("count active profiles: %w", err)
	}
	if maxUploads > 0 && active >= maxUploads {
		return UploadResult{}, protocol.NewError(protocol.KindCapacity, protocol.CodeQuotaExceeded,
			fmt.Sprintf("voice upload limit of %d reached", maxUploads))
	}

	analysis, err := Analyze(audio)
	if err != nil {
		return UploadResult{}, err
	}
	score, warnings, err := Validate(analysis)
	if err != nil {
		return UploadResult{}, err
	}

	id := m.newID()
	audioPath, err := m.blobs.SaveAudio(tenantID, id, audio)
	if err != nil {
		return UploadResult{}, fmt.Errorf("persist reference audio: %w", err)
	}

	embedding, err := m.embedder.Embed(ctx, audio)
	if err != nil {
		m.rollback(audioPath, "")
		return UploadResult{}, err
	}
	embeddingPath, err := m.blobs.SaveEmbedding(tenantID, id, embedding)
	if err != nil {
		m.rollback(audioPath, "")
		return UploadResult{}, fmt.Errorf("persist embedding: %w", err)
	}

	now := m.clock().UTC()
	profile := Profile{
		ID:            id,
		TenantID:      tenantID,
		Name:          req.Name,
		Description:   req.Description,
		Language:      req.Language,
		Gender:        req.Gender,
		AgeRange:      req.AgeRange,
		Accent:        req.Accent,
		AudioPath:     audioPath,
		EmbeddingPath: embeddingPath,
		QualityScore:  score,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata: map[string]any{
			"original_filename": req.Filename,
			"file_size":         len(audio),
			"duration":          analysis.Duration,
			"sample_rate":       analysis.SampleRate,
			"channels":          analysis.Channels,
		},
	}
	if err := m.repo.InsertProfile(ctx, profile); err != nil {
		m.rollback(audioPath, embeddingPath)
		return UploadResult{}, fmt.Errorf("persist voice profile: %w", err)
	}

	m.log.Info("voice profile created",
		slog.String("tenant_id", tenantID),
		slog.String("voice_id", id),
		slog.Int("quality_score", score))
	return UploadResult{VoiceID: id, QualityScore: score, Warnings: warnings}, nil
}

// List returns the tenant's active profiles, newest first.
func (m *Manager) List(ctx context.Context, tenantID string) ([]Profile, error) {
	return m.repo.ListProfilesByTenant(ctx, tenantID)
}

// Get returns a single active profile.
func (m *Manager) Get(ctx context.Context, tenantID, voiceID string) (Profile, error) {
	p, ok, err := m.repo.GetProfile(ctx, tenantID, voiceID)
	if err != nil {
		return Profile{}, fmt.Errorf("load voice profile: %w", err)
	}
	if !ok {
		return Profile{}, protocol.NewError(protocol.KindNotFound, protocol.CodeVoiceNotFound,
			fmt.Sprintf("voice %s not found", voiceID))
	}
	return p, nil
}

// Update mutates display metadata only.
func (m *Manager) Update(ctx context.Context, tenantID, voiceID string, patch MetadataPatch) (Profile, error) {
	p, err := m.Get(ctx, tenantID, voiceID)
	if err != nil {
		return Profile{}, err
	}
	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return Profile{}, protocol.NewError(protocol.KindInput, protocol.CodeInvalidOptions,
				"voice name must not be empty")
		}
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	p.UpdatedAt = m.clock().UTC()
	if err := m.repo.UpdateProfile(ctx, p); err != nil {
		return Profile{}, fmt.Errorf("update voice profile: %w", err)
	}
	return p, nil
}

// Delete soft-deletes the profile and releases its artifacts. Deleting an
// unknown or already-inactive profile is a no-op success.
func (m *Manager) Delete(ctx context.Context, tenantID, voiceID string) error {
	p, ok, err := m.repo.GetProfile(ctx, tenantID, voiceID)
	if err != nil {
		return fmt.Errorf("load voice profile: %w", err)
	}
	if !ok {
		return nil
	}
	if err := m.repo.SoftDeleteProfile(ctx, tenantID, voiceID); err != nil {
		return fmt.Errorf("deactivate voice profile: %w", err)
	}
	m.rollback(p.AudioPath, p.EmbeddingPath)
	m.log.Info("voice profile deleted",
		slog.String("tenant_id", tenantID),
		slog.String("voice_id", voiceID))
	return nil
}

func (m *Manager) rollback(audioPath, embeddingPath string) {
	if err := m.blobs.Remove(audioPath); err != nil {
		m.log.Warn("failed to remove reference audio", slog.String("error", err.Error()))
	}
	if err := m.blobs.Remove(embeddingPath); err != nil {
		m.log.Warn("failed to remove embedding", slog.String("error", err.Error()))
	}
}
