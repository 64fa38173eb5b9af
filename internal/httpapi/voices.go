package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/tenant"
	"github.com/voicegate/voicegate/internal/voice"
)

// maxUploadBytes caps a multipart voice upload.
const maxUploadBytes = 25 << 20

func (s *Server) handleVoiceUpload(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	if !tn.Allows("voice_cloning") {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeFeatureDisabled,
			"voice cloning is not enabled for this tenant"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeInvalidOptions,
			"request must be multipart form data with an audio file"))
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeMissingInput,
			"an audio file part is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, protocol.WrapError(protocol.KindInput, protocol.CodeInvalidOptions,
			"failed to read audio upload", err))
		return
	}

	quota := tn.MaxVoiceUploads
	if quota == 0 {
		quota = s.cfg.Voices.MaxUploads
	}
	res, err := s.voices.Upload(r.Context(), tn.ID, quota, voice.UploadRequest{
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
		Language:    r.FormValue("language"),
		Gender:      r.FormValue("gender"),
		AgeRange:    r.FormValue("age_range"),
		Accent:      r.FormValue("accent"),
		Filename:    header.Filename,
	}, data)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"success":       true,
		"voice_id":      res.VoiceID,
		"quality_score": res.QualityScore,
		"warnings":      res.Warnings,
	})
}

func (s *Server) handleVoiceList(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	profiles, err := s.voices.List(r.Context(), tn.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"voices": profiles,
		"count":  len(profiles),
	})
}

func (s *Server) handleVoiceGet(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	profile, err := s.voices.Get(r.Context(), tn.ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleVoiceUpdate(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	var patch struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeInvalidOptions,
			"request body is not valid JSON"))
		return
	}
	profile, err := s.voices.Update(r.Context(), tn.ID, r.PathValue("id"), voice.MetadataPatch{
		Name:        patch.Name,
		Description: patch.Description,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleVoiceDelete(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	if err := s.voices.Delete(r.Context(), tn.ID, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
