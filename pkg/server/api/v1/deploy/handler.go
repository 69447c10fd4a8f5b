package api_v1_deploy

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"

	"github.com/buildforever/farm/pkg/capacity"
	"github.com/buildforever/farm/pkg/fault"
	"github.com/buildforever/farm/pkg/orchestrator"
	"github.com/buildforever/farm/pkg/plan"
	api_v1 "github.com/buildforever/farm/pkg/server/api/v1"
	"github.com/buildforever/farm/pkg/server/database"
	"github.com/buildforever/farm/pkg/server/metrics"
	"github.com/buildforever/farm/pkg/server/middleware"
)

type DeploymentHandler struct {
	DeploymentStore database.DeploymentStore
	CredentialStore database.CredentialStore
	Orchestrator    *orchestrator.Orchestrator
	ClientFactory   orchestrator.ClientFactory

	lock   sync.Mutex
	active map[string]*orchestrator.Record
}

type SubmitResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type StatusResponse struct {
	ID          string                    `json:"id"`
	State       string                    `json:"state"`
	Progress    int                       `json:"progressPercent"`
	CurrentStep string                    `json:"currentStepLabel"`
	Warning     string                    `json:"capacityWarning,omitempty"`
	StepLog     []database.DeploymentStep `json:"stepLog"`
}

type PlanResponse struct {
	Steps     []string         `json:"steps"`
	Resources ResourceResponse `json:"resources"`
	Capacity  string           `json:"capacity,omitempty"`
}

type ResourceResponse struct {
	CPUCores  int `json:"cpuCores"`
	MemoryGB  int `json:"memoryGb"`
	StorageGB int `json:"storageGb"`
}

// Submit accepts a deployment request, resolves its credentials and
// starts plan execution in the background. The response carries the
// identifier used for status polling.
func (h *DeploymentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(middleware.RequestLogFields(r))

	req := plan.Request{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "unable to parse deployment request: %s", err))
		return
	}

	if _, err := plan.Build(&req); err != nil {
		logger.WithError(err).Info("rejected deployment request")
		api_v1.Error(w, err)
		return
	}

	creds, credentialID, err := h.resolveCredentials(r.Context(), &req)
	if err != nil {
		logger.WithError(err).Error("resolving credentials")
		api_v1.Error(w, err)
		return
	}

	rec := orchestrator.NewRecord(req)
	rec.CredentialID = credentialID

	h.lock.Lock()
	if h.active == nil {
		h.active = map[string]*orchestrator.Record{}
	}
	h.active[rec.ID.String()] = rec
	h.lock.Unlock()

	go h.execute(rec, creds)

	logger.WithField("deployment", rec.ID.String()).Info("deployment accepted")
	api_v1.JSON(w, http.StatusCreated, SubmitResponse{
		ID:    rec.ID.String(),
		State: string(orchestrator.StatePending),
	})
}

func (h *DeploymentHandler) execute(rec *orchestrator.Record, creds orchestrator.Credentials) {
	id := rec.ID.String()
	metrics.DeploymentState(id, string(orchestrator.StateExecuting), false)

	err := h.Orchestrator.Run(context.Background(), rec, creds)
	if err != nil {
		log.WithError(err).WithField("deployment", id).Error("deployment did not complete")
	}

	snap := rec.Snapshot()
	metrics.DeploymentState(id, string(snap.State), true)
	for _, outcome := range snap.StepLog {
		if outcome.Status == orchestrator.StepFailed {
			metrics.StepFailure(string(outcome.Kind))
		}
	}

	h.lock.Lock()
	delete(h.active, id)
	h.lock.Unlock()
}

// resolveCredentials picks the referenced credential, or the vault
// default when the request names none. Running without credentials is
// allowed; instances are then created without injected identity.
func (h *DeploymentHandler) resolveCredentials(ctx context.Context, req *plan.Request) (orchestrator.Credentials, string, error) {
	var credential *database.Credential
	var err error

	if req.CredentialID != "" {
		credential, err = h.CredentialStore.Credential(ctx, req.CredentialID)
		if err != nil {
			if database.IsErrNotFound(err) {
				return orchestrator.Credentials{}, "", fault.Errorf(fault.KindValidation, "credential %s does not exist", req.CredentialID)
			}
			return orchestrator.Credentials{}, "", err
		}
	} else {
		credential, err = h.CredentialStore.DefaultCredential(ctx)
		if err != nil {
			if database.IsErrNotFound(err) {
				return orchestrator.Credentials{}, "", nil
			}
			return orchestrator.Credentials{}, "", err
		}
	}

	return orchestrator.Credentials{
		Username:          credential.Username,
		Password:          credential.Password,
		SSHPublicKey:      credential.SSHPublicKey,
		RegistrationToken: credential.RegistrationToken,
	}, credential.ID, nil
}

// Status returns the pollable snapshot of one deployment: running
// deployments come straight from memory, finished ones from storage.
func (h *DeploymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.lock.Lock()
	rec := h.active[id]
	h.lock.Unlock()

	if rec != nil {
		snap := rec.Snapshot()
		steps := make([]database.DeploymentStep, len(snap.StepLog))
		for i, outcome := range snap.StepLog {
			steps[i] = database.DeploymentStep{
				Name:     outcome.Name,
				Label:    outcome.Label,
				Status:   string(outcome.Status),
				Output:   outcome.Output,
				Error:    outcome.Error,
				Kind:     string(outcome.Kind),
				Started:  &outcome.Started,
				Finished: &outcome.Finished,
			}
		}
		api_v1.JSON(w, http.StatusOK, StatusResponse{
			ID:          id,
			State:       string(snap.State),
			Progress:    snap.Progress,
			CurrentStep: snap.Current,
			Warning:     snap.Warning,
			StepLog:     steps,
		})
		return
	}

	deployment, err := h.DeploymentStore.Deployment(r.Context(), id)
	if err != nil {
		if database.IsErrNotFound(err) {
			api_v1.Error(w, fault.Errorf(fault.KindNotFound, "no deployment with id %s", id))
			return
		}
		api_v1.Error(w, err)
		return
	}

	steps, err := h.DeploymentStore.DeploymentSteps(r.Context(), id)
	if err != nil {
		api_v1.Error(w, err)
		return
	}

	api_v1.JSON(w, http.StatusOK, StatusResponse{
		ID:          deployment.ID,
		State:       deployment.State,
		Progress:    deployment.Progress,
		CurrentStep: deployment.CurrentStep,
		Warning:     deployment.Warning,
		StepLog:     steps,
	})
}

// Cancel requests cancellation of a running deployment.
func (h *DeploymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.lock.Lock()
	rec := h.active[id]
	h.lock.Unlock()

	if rec == nil {
		api_v1.Error(w, fault.Errorf(fault.KindConflict, "deployment %s is not running", id))
		return
	}

	h.Orchestrator.Cancel(rec.ID)
	api_v1.JSON(w, http.StatusAccepted, SubmitResponse{ID: id, State: string(orchestrator.StateCancelled)})
}

// DeploymentPlan returns the planned step labels of a submitted
// deployment, running or finished.
func (h *DeploymentHandler) DeploymentPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req plan.Request

	h.lock.Lock()
	rec := h.active[id]
	h.lock.Unlock()

	if rec != nil {
		req = rec.Request
	} else {
		deployment, err := h.DeploymentStore.Deployment(r.Context(), id)
		if err != nil {
			if database.IsErrNotFound(err) {
				api_v1.Error(w, fault.Errorf(fault.KindNotFound, "no deployment with id %s", id))
				return
			}
			api_v1.Error(w, err)
			return
		}
		if err := json.Unmarshal(deployment.Request, &req); err != nil {
			api_v1.Error(w, err)
			return
		}
	}

	p, err := plan.Build(&req)
	if err != nil {
		api_v1.Error(w, err)
		return
	}

	api_v1.JSON(w, http.StatusOK, PlanResponse{Steps: p.Labels()})
}

// Plan renders the step plan and resource totals for a request without
// executing anything. When the hypervisor is reachable, a capacity
// verdict is included.
func (h *DeploymentHandler) Plan(w http.ResponseWriter, r *http.Request) {
	req := plan.Request{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api_v1.Error(w, fault.Errorf(fault.KindValidation, "unable to parse deployment request: %s", err))
		return
	}

	p, err := plan.Build(&req)
	if err != nil {
		api_v1.Error(w, err)
		return
	}

	resources, err := req.Resources()
	if err != nil {
		api_v1.Error(w, err)
		return
	}

	response := PlanResponse{
		Steps: p.Labels(),
		Resources: ResourceResponse{
			CPUCores:  resources.CPUCores,
			MemoryGB:  resources.MemoryGB,
			StorageGB: resources.StorageGB,
		},
	}

	if h.ClientFactory != nil && req.Connection.Node != "" {
		client := h.ClientFactory(req.Connection)
		free, err := client.QueryCapacity(r.Context(), req.Connection.Node)
		if err != nil {
			log.WithError(err).Warn("capacity query failed during planning")
		} else {
			report := capacity.Check(resources, capacity.Availability{
				CPUCores:  free.CPUCores,
				MemoryGB:  free.MemoryFreeGB,
				StorageGB: free.StorageFreeGB,
			})
			response.Capacity = report.String()
		}
	}

	api_v1.JSON(w, http.StatusOK, response)
}

// History lists past deployments, newest first.
func (h *DeploymentHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := api_v1.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			api_v1.Error(w, fault.Errorf(fault.KindValidation, "invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	deployments, err := h.DeploymentStore.Deployments(r.Context(), limit)
	if err != nil {
		api_v1.Error(w, err)
		return
	}

	api_v1.JSON(w, http.StatusOK, deployments)
}
