package api_v1_deploy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforever/farm/pkg/orchestrator"
	"github.com/buildforever/farm/pkg/plan"
	"github.com/buildforever/farm/pkg/proxmox"
	"github.com/buildforever/farm/pkg/server/api"
	api_v1_deploy "github.com/buildforever/farm/pkg/server/api/v1/deploy"
	"github.com/buildforever/farm/pkg/server/database"
	"github.com/buildforever/farm/pkg/tool"
)

type deploymentStorage struct {
	deployments map[string]database.Deployment
	steps       map[string][]database.DeploymentStep
}

func newDeploymentStorage() *deploymentStorage {
	return &deploymentStorage{
		deployments: map[string]database.Deployment{},
		steps:       map[string][]database.DeploymentStep{},
	}
}

func (d *deploymentStorage) Deployments(ctx context.Context, limit int) ([]*database.Deployment, error) {
	deployments := make([]*database.Deployment, 0, len(d.deployments))
	for id := range d.deployments {
		deployment := d.deployments[id]
		deployments = append(deployments, &deployment)
		if len(deployments) == limit {
			break
		}
	}
	return deployments, nil
}

func (d *deploymentStorage) Deployment(ctx context.Context, id string) (*database.Deployment, error) {
	deployment, ok := d.deployments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &deployment, nil
}

func (d *deploymentStorage) DeploymentSteps(ctx context.Context, deploymentID string) ([]database.DeploymentStep, error) {
	return d.steps[deploymentID], nil
}

func (d *deploymentStorage) WriteDeployment(ctx context.Context, deployment database.Deployment) error {
	d.deployments[deployment.ID] = deployment
	return nil
}

func (d *deploymentStorage) WriteDeploymentSteps(ctx context.Context, deploymentID string, steps []database.DeploymentStep) error {
	d.steps[deploymentID] = steps
	return nil
}

func (d *deploymentStorage) ActiveDeploymentsWithCredential(ctx context.Context, credentialID string) (int, error) {
	return 0, nil
}

type credentialStorage struct {
	credentials map[string]database.Credential
}

func (c *credentialStorage) Credentials(ctx context.Context) ([]database.Credential, error) {
	credentials := make([]database.Credential, 0, len(c.credentials))
	for _, credential := range c.credentials {
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

func (c *credentialStorage) Credential(ctx context.Context, id string) (*database.Credential, error) {
	credential, ok := c.credentials[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &credential, nil
}

func (c *credentialStorage) DefaultCredential(ctx context.Context) (*database.Credential, error) {
	for _, credential := range c.credentials {
		if credential.Default {
			return &credential, nil
		}
	}
	return nil, database.ErrNotFound
}

func (c *credentialStorage) WriteCredential(ctx context.Context, credential database.Credential) error {
	c.credentials[credential.ID] = credential
	return nil
}

func (c *credentialStorage) SetDefaultCredential(ctx context.Context, id string) error {
	if _, ok := c.credentials[id]; !ok {
		return database.ErrNotFound
	}
	for key, credential := range c.credentials {
		credential.Default = key == id
		c.credentials[key] = credential
	}
	return nil
}

func (c *credentialStorage) DeleteCredential(ctx context.Context, id string) error {
	if _, ok := c.credentials[id]; !ok {
		return database.ErrNotFound
	}
	delete(c.credentials, id)
	return nil
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
	return tool.Result{Output: "ok"}, nil
}

type okProber struct{}

func (okProber) Probe(ctx context.Context, address string) (string, error) {
	return "17.2.0", nil
}

func testServer(t *testing.T) (*httptest.Server, *proxmox.Mock, *credentialStorage) {
	t.Helper()

	mock := proxmox.NewMock()
	mock.Capacity["pve1"] = proxmox.NodeCapacity{Node: "pve1", CPUCores: 32, MemoryFreeGB: 128, StorageFreeGB: 1000}
	mock.Images = []proxmox.BootImage{
		{VolID: "local:vztmpl/debian-12-standard.tar.zst", Content: "vztmpl"},
		{VolID: "local:vztmpl/ubuntu-24.04-standard.tar.zst", Content: "vztmpl"},
	}

	factory := func(conn plan.ProviderConnection) proxmox.Client {
		return mock
	}

	deployments := newDeploymentStorage()
	credentials := &credentialStorage{credentials: map[string]database.Credential{}}

	cfg := orchestrator.DefaultConfig()
	cfg.AwaitAttempts = 3
	cfg.AwaitInterval = time.Millisecond
	orch := orchestrator.New(
		cfg,
		&database.Recorder{Store: deployments},
		factory,
		tool.NewTerraform(noopRunner{}, "terraform"),
		tool.NewAnsible(noopRunner{}, "ansible", "inventory.yml"),
		okProber{},
	)

	router := api.New(api.Config{
		DeploymentStore: deployments,
		CredentialStore: credentials,
		Orchestrator:    orch,
		ClientFactory:   factory,
		ImageStorage:    "local",
		MetricsPath:     "/metrics",
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, mock, credentials
}

func post(t *testing.T, server *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func validRequest() plan.Request {
	return plan.Request{
		Mode:           plan.ModeDeployNew,
		WorkerProfiles: []string{"debian", "ubuntu"},
		Provider:       plan.ProviderProxmox,
		Connection:     plan.ProviderConnection{Endpoint: "https://pve.example.com:8006", Node: "pve1"},
		Domain:         "farm.example.com",
	}
}

func awaitState(t *testing.T, server *httptest.Server, id string, state orchestrator.State) api_v1_deploy.StatusResponse {
	t.Helper()
	status := api_v1_deploy.StatusResponse{}
	assert.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + "/api/v1/deploy/" + id)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		decode(t, resp, &status)
		return status.State == string(state)
	}, time.Second*5, time.Millisecond*10)
	return status
}

func TestSubmitAndPollDeployment(t *testing.T) {
	server, mock, _ := testServer(t)

	resp := post(t, server, "/api/v1/deploy", validRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	submitted := api_v1_deploy.SubmitResponse{}
	decode(t, resp, &submitted)
	require.NotEmpty(t, submitted.ID)

	status := awaitState(t, server, submitted.ID, orchestrator.StateComplete)
	assert.Equal(t, 100, status.Progress)
	assert.ElementsMatch(t, []string{"farm-worker-debian", "farm-worker-ubuntu"}, mock.CreatedNames())
	for _, step := range status.StepLog {
		assert.Equal(t, string(orchestrator.StepOK), step.Status)
	}
}

func TestSubmitRejectsUnknownProfile(t *testing.T) {
	server, _, _ := testServer(t)

	request := validRequest()
	request.WorkerProfiles = []string{"beos"}

	resp := post(t, server, "/api/v1/deploy", request)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRejectsUnknownCredential(t *testing.T) {
	server, _, _ := testServer(t)

	request := validRequest()
	request.CredentialID = "da91be22-0000-0000-0000-000000000000"

	resp := post(t, server, "/api/v1/deploy", request)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusOfFinishedDeploymentComesFromStorage(t *testing.T) {
	server, _, _ := testServer(t)

	resp := post(t, server, "/api/v1/deploy", validRequest())
	submitted := api_v1_deploy.SubmitResponse{}
	decode(t, resp, &submitted)

	awaitState(t, server, submitted.ID, orchestrator.StateComplete)

	// once terminal the in-memory record is dropped and reads hit the store
	assert.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + "/api/v1/deploy/" + submitted.ID)
		if err != nil {
			return false
		}
		status := api_v1_deploy.StatusResponse{}
		decode(t, resp, &status)
		return status.State == string(orchestrator.StateComplete) && len(status.StepLog) > 0
	}, time.Second*5, time.Millisecond*10)
}

func TestStatusNotFound(t *testing.T) {
	server, _, _ := testServer(t)

	resp, err := http.Get(server.URL + "/api/v1/deploy/no-such-id")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownDeploymentConflicts(t *testing.T) {
	server, _, _ := testServer(t)

	resp := post(t, server, "/api/v1/deploy/no-such-id/cancel", struct{}{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPlanDryRun(t *testing.T) {
	server, _, _ := testServer(t)

	resp := post(t, server, "/api/v1/plan", validRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	planned := api_v1_deploy.PlanResponse{}
	decode(t, resp, &planned)

	assert.Len(t, planned.Steps, 7)
	assert.Equal(t, 8, planned.Resources.CPUCores)
	assert.Equal(t, 16, planned.Resources.MemoryGB)
	assert.Equal(t, 130, planned.Resources.StorageGB)
	assert.NotEmpty(t, planned.Capacity)
}

func TestHistoryRejectsInvalidLimit(t *testing.T) {
	server, _, _ := testServer(t)

	resp, err := http.Get(server.URL + "/api/v1/deployments?limit=zero")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryListsFinishedDeployments(t *testing.T) {
	server, _, _ := testServer(t)

	resp := post(t, server, "/api/v1/deploy", validRequest())
	submitted := api_v1_deploy.SubmitResponse{}
	decode(t, resp, &submitted)
	awaitState(t, server, submitted.ID, orchestrator.StateComplete)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + "/api/v1/deployments")
		if err != nil {
			return false
		}
		deployments := []database.Deployment{}
		decode(t, resp, &deployments)
		for _, deployment := range deployments {
			if deployment.ID == submitted.ID {
				return true
			}
		}
		return false
	}, time.Second*5, time.Millisecond*10)
}

func TestSubmitUsesDefaultCredential(t *testing.T) {
	server, mock, credentials := testServer(t)

	credentials.credentials["cred-1"] = database.Credential{
		ID:       "cred-1",
		Name:     "farm default",
		Username: "builder",
		Password: "hunter2",
		Default:  true,
	}

	resp := post(t, server, "/api/v1/deploy", validRequest())
	submitted := api_v1_deploy.SubmitResponse{}
	decode(t, resp, &submitted)
	awaitState(t, server, submitted.ID, orchestrator.StateComplete)

	require.NotEmpty(t, mock.Created)
	for _, spec := range mock.Created {
		assert.Equal(t, "hunter2", spec.Password, fmt.Sprintf("instance %s", spec.Name))
	}
}
