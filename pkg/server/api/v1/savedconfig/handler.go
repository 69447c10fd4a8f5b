package api_v1_savedconfig

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	"github.com/buildforever/farm/pkg/fault"
	"github.com/buildforever/farm/pkg/plan"
	api_v1 "github.com/buildforever/farm/pkg/server/api/v1"
	"github.com/buildforever/farm/pkg/server/database"
)

type SavedConfigHandler struct {
	SavedConfigStore database.SavedConfigStore
}

type SaveRequest struct {
	Name    string       `json:"name"`
	Request plan.Request `json:"request"`
}

func (h *SavedConfigHandler) List(w http.ResponseWriter, r *http.Request) {
	configs, err := h.SavedConfigStore.SavedConfigs(r.Context())
	if err != nil {
		api_v1.Error(w, err)
		return
	}
	api_v1.JSON(w, http.StatusOK, configs)
}

func (h *SavedConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	config, err := h.SavedConfigStore.SavedConfig(r.Context(), id)
	if err != nil {
		if database.IsErrNotFound(err) {
			api_v1.Error(w, fault.Errorf(fault.KindNotFound, "no saved configuration with id %s", id))
			return
		}
		api_v1.Error(w, err)
		return
	}
	api_v1.JSON(w, http.StatusOK, config)
}

// Save stores a named deployment request for later reuse. The request
// must pass the same validation as a submitted deployment.
func (h *SavedConfigHandler) Save(w http.ResponseWriter, r *http.Request) {
	req := SaveRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "unable to parse saved configuration: %s", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "configuration name must not be empty"))
		return
	}
	if err := req.Request.Validate(); err != nil {
		api_v1.Error(w, err)
		return
	}

	raw, err := json.Marshal(req.Request)
	if err != nil {
		api_v1.Error(w, err)
		return
	}

	config := database.SavedConfig{
		ID:      uuid.New().String(),
		Name:    req.Name,
		Request: raw,
	}
	if err := h.SavedConfigStore.WriteSavedConfig(r.Context(), config); err != nil {
		api_v1.Error(w, err)
		return
	}

	api_v1.JSON(w, http.StatusCreated, config)
}

func (h *SavedConfigHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.SavedConfigStore.DeleteSavedConfig(r.Context(), id); err != nil {
		if database.IsErrNotFound(err) {
			api_v1.Error(w, fault.Errorf(fault.KindNotFound, "no saved configuration with id %s", id))
			return
		}
		api_v1.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
