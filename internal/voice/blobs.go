package voice

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirStore keeps reference audio and embeddings on the local filesystem,
// one subdirectory per tenant.
type DirStore struct {
	audioDir     string
	embeddingDir string
}

func NewDirStore(audioDir, embeddingDir string) (*DirStore, error) {
	for _, dir := range []string{audioDir, embeddingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create blob dir: %w", err)
		}
	}
	return &DirStore{audioDir: audioDir, embeddingDir: embeddingDir}, nil
}

func (s *DirStore) SaveAudio(tenantID, voiceID string, data []byte) (string, error) {
	return s.save(s.audioDir, tenantID, voiceID+".wav", data)
}

func (s *DirStore) SaveEmbedding(tenantID, voiceID string, data []byte) (string, error) {
	return s.save(s.embeddingDir, tenantID, voiceID+".emb", data)
}

func (s *DirStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *DirStore) save(root, tenantID, name string, data []byte) (string, error) {
	dir := filepath.Join(root, tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tenant dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return path, nil
}
