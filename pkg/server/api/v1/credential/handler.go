package api_v1_credential

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/buildforever/farm/pkg/fault"
	"github.com/buildforever/farm/pkg/keygen"
	api_v1 "github.com/buildforever/farm/pkg/server/api/v1"
	"github.com/buildforever/farm/pkg/server/database"
	"github.com/buildforever/farm/pkg/server/middleware"
)

type CredentialHandler struct {
	CredentialStore database.CredentialStore
	DeploymentStore database.DeploymentStore
}

type CredentialRequest struct {
	Name              string `json:"name"`
	Username          string `json:"username"`
	Password          string `json:"password,omitempty"`
	SSHPublicKey      string `json:"sshPublicKey,omitempty"`
	SSHPrivateKey     string `json:"sshPrivateKey,omitempty"`
	RegistrationToken string `json:"registrationToken,omitempty"`
	Default           bool   `json:"default,omitempty"`
}

type GenerateRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	KeyType  string `json:"keyType,omitempty"`
}

// GenerateResponse is the only place the private key ever crosses the
// API boundary; afterwards it exists encrypted in the vault only.
type GenerateResponse struct {
	database.Credential
	SSHPrivateKey string `json:"sshPrivateKey"`
}

func (req *CredentialRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return fault.Errorf(fault.KindValidation, "credential name must not be empty")
	}
	if strings.TrimSpace(req.Username) == "" {
		return fault.Errorf(fault.KindValidation, "credential username must not be empty")
	}
	if req.Password == "" && req.SSHPublicKey == "" {
		return fault.Errorf(fault.KindValidation, "credential must carry a password or a public key")
	}
	return nil
}

// List returns all credentials. Secret material is never included.
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	credentials, err := h.CredentialStore.Credentials(r.Context())
	if err != nil {
		api_v1.Error(w, err)
		return
	}
	api_v1.JSON(w, http.StatusOK, credentials)
}

func (h *CredentialHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	credential, err := h.CredentialStore.Credential(r.Context(), id)
	if err != nil {
		if database.IsErrNotFound(err) {
			api_v1.Error(w, fault.Errorf(fault.KindNotFound, "no credential with id %s", id))
			return
		}
		api_v1.Error(w, err)
		return
	}
	api_v1.JSON(w, http.StatusOK, credential)
}

func (h *CredentialHandler) Create(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(middleware.RequestLogFields(r))

	req := CredentialRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "unable to parse credential: %s", err))
		return
	}
	if err := req.validate(); err != nil {
		api_v1.Error(w, err)
		return
	}

	credential := database.Credential{
		ID:                uuid.New().String(),
		Name:              req.Name,
		Username:          req.Username,
		Password:          req.Password,
		SSHPublicKey:      req.SSHPublicKey,
		SSHPrivateKey:     req.SSHPrivateKey,
		RegistrationToken: req.RegistrationToken,
	}

	if err := h.CredentialStore.WriteCredential(r.Context(), credential); err != nil {
		logger.WithError(err).Error("writing credential")
		api_v1.Error(w, err)
		return
	}

	if req.Default {
		if err := h.CredentialStore.SetDefaultCredential(r.Context(), credential.ID); err != nil {
			logger.WithError(err).Error("setting default credential")
			api_v1.Error(w, err)
			return
		}
		credential.Default = true
	}

	api_v1.JSON(w, http.StatusCreated, credential)
}

// Update replaces an existing credential. Secret fields are written as
// given; omitting one clears it.
func (h *CredentialHandler) Update(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(middleware.RequestLogFields(r))
	id := chi.URLParam(r, "id")

	existing, err := h.CredentialStore.Credential(r.Context(), id)
	if err != nil {
		if database.IsErrNotFound(err) {
			api_v1.Error(w, fault.Errorf(fault.KindNotFound, "no credential with id %s", id))
			return
		}
		api_v1.Error(w, err)
		return
	}

	req := CredentialRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "unable to parse credential: %s", err))
		return
	}
	if err := req.validate(); err != nil {
		api_v1.Error(w, err)
		return
	}

	credential := database.Credential{
		ID:                id,
		Name:              req.Name,
		Username:          req.Username,
		Password:          req.Password,
		SSHPublicKey:      req.SSHPublicKey,
		SSHPrivateKey:     req.SSHPrivateKey,
		RegistrationToken: req.RegistrationToken,
		Default:           existing.Default,
	}

	if err := h.CredentialStore.WriteCredential(r.Context(), credential); err != nil {
		logger.WithError(err).Error("updating credential")
		api_v1.Error(w, err)
		return
	}

	api_v1.JSON(w, http.StatusOK, credential)
}

// Generate creates a credential with a fresh SSH keypair. The public
// half is returned; the private half stays encrypted in the vault.
func (h *CredentialHandler) Generate(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(middleware.RequestLogFields(r))

	req := GenerateRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "unable to parse request: %s", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Username) == "" {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "name and username must not be empty"))
		return
	}

	keyType := keygen.TypeEd25519
	if req.KeyType != "" {
		keyType = keygen.Type(req.KeyType)
	}

	pair, err := keygen.Generate(keyType, req.Username+"@farm")
	if err != nil {
		logger.WithError(err).Error("generating keypair")
		api_v1.Error(w, err)
		return
	}

	credential := database.Credential{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Username:      req.Username,
		SSHPublicKey:  string(pair.PublicKey),
		SSHPrivateKey: string(pair.PrivateKey),
	}

	if err := h.CredentialStore.WriteCredential(r.Context(), credential); err != nil {
		logger.WithError(err).Error("writing generated credential")
		api_v1.Error(w, err)
		return
	}

	api_v1.JSON(w, http.StatusCreated, GenerateResponse{
		Credential:    credential,
		SSHPrivateKey: string(pair.PrivateKey),
	})
}

// SetDefault atomically reassigns the vault's default credential.
func (h *CredentialHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.CredentialStore.SetDefaultCredential(r.Context(), id); err != nil {
		if database.IsErrNotFound(err) {
			api_v1.Error(w, fault.Errorf(fault.KindNotFound, "no credential with id %s", id))
			return
		}
		api_v1.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes a credential unless a non-terminal deployment still
// references it.
func (h *CredentialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	count, err := h.DeploymentStore.ActiveDeploymentsWithCredential(r.Context(), id)
	if err != nil {
		api_v1.Error(w, err)
		return
	}
	if count > 0 {
		api_v1.Error(w, fault.Errorf(fault.KindConflict, "credential %s is referenced by %d active deployments", id, count))
		return
	}

	if err := h.CredentialStore.DeleteCredential(r.Context(), id); err != nil {
		if database.IsErrNotFound(err) {
			api_v1.Error(w, fault.Errorf(fault.KindNotFound, "no credential with id %s", id))
			return
		}
		api_v1.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
