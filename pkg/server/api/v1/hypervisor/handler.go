package api_v1_hypervisor

import (
	"encoding/json"
	"net/http"

	"github.com/buildforever/farm/pkg/fault"
	"github.com/buildforever/farm/pkg/orchestrator"
	"github.com/buildforever/farm/pkg/plan"
	"github.com/buildforever/farm/pkg/profile"
	api_v1 "github.com/buildforever/farm/pkg/server/api/v1"
)

// Handler exposes read-only hypervisor and catalog information.
type Handler struct {
	ClientFactory orchestrator.ClientFactory
	ImageStorage  string
}

type probeRequest struct {
	Connection plan.ProviderConnection `json:"connection"`
}

func (h *Handler) decode(r *http.Request) (plan.ProviderConnection, error) {
	req := probeRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return plan.ProviderConnection{}, fault.Errorf(fault.KindValidation, "unable to parse connection parameters: %s", err)
	}
	if req.Connection.Endpoint == "" {
		return plan.ProviderConnection{}, fault.Errorf(fault.KindValidation, "connection endpoint must not be empty")
	}
	return req.Connection, nil
}

// Capacity returns the free capacity of the requested node.
func (h *Handler) Capacity(w http.ResponseWriter, r *http.Request) {
	conn, err := h.decode(r)
	if err != nil {
		api_v1.Error(w, err)
		return
	}
	if conn.Node == "" {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "connection node must not be empty"))
		return
	}

	client := h.ClientFactory(conn)
	free, err := client.QueryCapacity(r.Context(), conn.Node)
	if err != nil {
		api_v1.Error(w, err)
		return
	}
	api_v1.JSON(w, http.StatusOK, free)
}

// Images lists installable boot images on the configured storage.
func (h *Handler) Images(w http.ResponseWriter, r *http.Request) {
	conn, err := h.decode(r)
	if err != nil {
		api_v1.Error(w, err)
		return
	}
	if conn.Node == "" {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "connection node must not be empty"))
		return
	}

	client := h.ClientFactory(conn)
	images, err := client.ListBootImages(r.Context(), conn.Node, h.ImageStorage)
	if err != nil {
		api_v1.Error(w, err)
		return
	}
	api_v1.JSON(w, http.StatusOK, images)
}

// Probe checks connectivity and returns the hypervisor version.
func (h *Handler) Probe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.decode(r)
	if err != nil {
		api_v1.Error(w, err)
		return
	}

	client := h.ClientFactory(conn)
	version, err := client.Version(r.Context())
	if err != nil {
		api_v1.Error(w, err)
		return
	}
	api_v1.JSON(w, http.StatusOK, map[string]string{"version": version})
}

// Profiles lists the worker profile catalog.
func (h *Handler) Profiles(w http.ResponseWriter, r *http.Request) {
	api_v1.JSON(w, http.StatusOK, profile.All())
}
