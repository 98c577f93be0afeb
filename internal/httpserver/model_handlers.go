package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/tokligence-chat/internal/provider"
	"github.com/tokligence/tokligence-chat/internal/provider/catalog"
)

const modelRefreshTimeout = 15 * time.Second

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	listing, err := s.catalog.Models(r.Context())
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	if listing.Models == nil {
		listing.Models = []provider.Model{}
	}
	s.respondJSON(w, http.StatusOK, listing)
}

type setProviderRequest struct {
	APIKey        string `json:"apiKey"`
	BaseURL       string `json:"baseUrl"`
	ModelID       string `json:"modelId"`
	ModelName     string `json:"modelName"`
	CustomHeaders string `json:"customHeaders"`
}

func (s *Server) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "provider"))
	var body setProviderRequest
	if err := decodeJSON(r, &body); err != nil {
		s.respondServiceError(w, err)
		return
	}

	if name == string(provider.TypeCustom) {
		err := s.catalog.SetCustom(catalog.Custom{
			BaseURL:   body.BaseURL,
			APIKey:    body.APIKey,
			ModelID:   body.ModelID,
			ModelName: body.ModelName,
			Headers:   body.CustomHeaders,
		})
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		s.logger.Infof("custom provider configured base_url=%s model=%s", strings.TrimSpace(body.BaseURL), strings.TrimSpace(body.ModelID))
		s.respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Custom provider has been configured",
		})
		return
	}

	t, err := s.catalog.SetAPIKey(name, body.APIKey)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	// A bad key should not fail the save; the model list is simply fetched later.
	ctx, cancel := context.WithTimeout(r.Context(), modelRefreshTimeout)
	defer cancel()
	if _, err := s.catalog.Refresh(ctx, t); err != nil {
		s.logger.Warnf("failed to fetch models after setting API key for %s: %v", t, err)
	}
	s.logger.Infof("API key updated for %s", t)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"provider": t,
		"message":  fmt.Sprintf("API key for %s has been saved", t),
	})
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	t, err := s.catalog.DeleteProvider(strings.ToLower(chi.URLParam(r, "provider")))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.logger.Infof("provider configuration deleted: %s", t)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"provider": t,
		"message":  fmt.Sprintf("Configuration for %s has been removed", t),
	})
}

func (s *Server) handleSetSelection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
		ModelID  string `json:"modelId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondServiceError(w, err)
		return
	}
	if err := s.catalog.SetSelection(body.Provider, body.ModelID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.logger.Infof("selection updated provider=%s model=%s", body.Provider, body.ModelID)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Configuration has been saved",
	})
}
