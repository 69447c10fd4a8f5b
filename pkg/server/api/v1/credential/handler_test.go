package api_v1_credential_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforever/farm/pkg/server/api"
	api_v1_credential "github.com/buildforever/farm/pkg/server/api/v1/credential"
	"github.com/buildforever/farm/pkg/server/database"
)

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

// deploymentStorage only answers the credential reference count; the
// credential handler never touches the rest of the interface.
type deploymentStorage struct {
	activeWithCredential int
}

func (d *deploymentStorage) Deployments(ctx context.Context, limit int) ([]*database.Deployment, error) {
	return nil, nil
}

func (d *deploymentStorage) Deployment(ctx context.Context, id string) (*database.Deployment, error) {
	return nil, database.ErrNotFound
}

func (d *deploymentStorage) DeploymentSteps(ctx context.Context, deploymentID string) ([]database.DeploymentStep, error) {
	return nil, nil
}

func (d *deploymentStorage) WriteDeployment(ctx context.Context, deployment database.Deployment) error {
	return nil
}

func (d *deploymentStorage) WriteDeploymentSteps(ctx context.Context, deploymentID string, steps []database.DeploymentStep) error {
	return nil
}

func (d *deploymentStorage) ActiveDeploymentsWithCredential(ctx context.Context, credentialID string) (int, error) {
	return d.activeWithCredential, nil
}

func testServer(t *testing.T) (*httptest.Server, *credentialStorage, *deploymentStorage) {
	t.Helper()

	credentials := &credentialStorage{credentials: map[string]database.Credential{}}
	deployments := &deploymentStorage{}

	router := api.New(api.Config{
		DeploymentStore: deployments,
		CredentialStore: credentials,
		MetricsPath:     "/metrics",
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, credentials, deployments
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

func TestCreateCredential(t *testing.T) {
	server, storage, _ := testServer(t)

	resp := post(t, server, "/api/v1/credentials", api_v1_credential.CredentialRequest{
		Name:     "build user",
		Username: "builder",
		Password: "hunter2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := database.Credential{}
	decode(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "build user", created.Name)
	assert.False(t, created.Default)
	assert.Equal(t, "hunter2", storage.credentials[created.ID].Password)
}

func TestCreateCredentialRequiresNameAndUsername(t *testing.T) {
	server, _, _ := testServer(t)

	resp := post(t, server, "/api/v1/credentials", api_v1_credential.CredentialRequest{Name: "  "})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateCredentialRequiresSecretMaterial(t *testing.T) {
	server, _, _ := testServer(t)

	resp := post(t, server, "/api/v1/credentials", api_v1_credential.CredentialRequest{
		Name:     "no secrets",
		Username: "builder",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSecretsNeverLeaveTheVault(t *testing.T) {
	server, _, _ := testServer(t)

	resp := post(t, server, "/api/v1/credentials", api_v1_credential.CredentialRequest{
		Name:              "build user",
		Username:          "builder",
		Password:          "hunter2",
		RegistrationToken: "glrt-secret",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	defer resp.Body.Close()
	raw := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.NotContains(t, raw, "password")
	assert.NotContains(t, raw, "registrationToken")
	assert.NotContains(t, raw, "sshPrivateKey")
}

func TestSetDefaultIsExclusive(t *testing.T) {
	server, storage, _ := testServer(t)

	first := post(t, server, "/api/v1/credentials", api_v1_credential.CredentialRequest{
		Name: "first", Username: "a", Password: "pw", Default: true,
	})
	created := database.Credential{}
	decode(t, first, &created)
	assert.True(t, created.Default)

	second := post(t, server, "/api/v1/credentials", api_v1_credential.CredentialRequest{
		Name: "second", Username: "b", Password: "pw",
	})
	other := database.Credential{}
	decode(t, second, &other)

	resp := post(t, server, "/api/v1/credentials/"+other.ID+"/default", struct{}{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	defaults := 0
	for _, credential := range storage.credentials {
		if credential.Default {
			defaults++
			assert.Equal(t, other.ID, credential.ID)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestSetDefaultUnknownCredential(t *testing.T) {
	server, _, _ := testServer(t)

	resp := post(t, server, "/api/v1/credentials/nope/default", struct{}{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGenerateKeypair(t *testing.T) {
	server, storage, _ := testServer(t)

	resp := post(t, server, "/api/v1/credentials/generate", api_v1_credential.GenerateRequest{
		Name:     "generated",
		Username: "builder",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := api_v1_credential.GenerateResponse{}
	decode(t, resp, &created)
	assert.Contains(t, created.SSHPublicKey, "ssh-ed25519")
	assert.Contains(t, created.SSHPublicKey, "builder@farm")
	assert.Contains(t, created.SSHPrivateKey, "PRIVATE KEY")

	stored := storage.credentials[created.ID]
	assert.Contains(t, stored.SSHPrivateKey, "PRIVATE KEY")
}

func TestDeleteCredentialInUse(t *testing.T) {
	server, storage, deployments := testServer(t)

	storage.credentials["cred-1"] = database.Credential{ID: "cred-1", Name: "in use", Username: "a"}
	deployments.activeWithCredential = 2

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/credentials/cred-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, storage.credentials, "cred-1")
}

func TestDeleteCredential(t *testing.T) {
	server, storage, _ := testServer(t)

	storage.credentials["cred-1"] = database.Credential{ID: "cred-1", Name: "old", Username: "a"}

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/credentials/cred-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotContains(t, storage.credentials, "cred-1")
}
