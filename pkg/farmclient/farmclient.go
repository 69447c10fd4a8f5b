// Package farmclient submits deployment requests to a farm server and
// follows their progress until a terminal state is reached.
package farmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/buildforever/farm/pkg/orchestrator"
	"github.com/buildforever/farm/pkg/plan"
)

type ExitCode int

const (
	DeployAPIPath       = "/api/v1/deploy"
	DefaultServer       = "http://localhost:8080"
	DefaultPollInterval = time.Second * 5
	DefaultTimeout      = time.Hour

	RequestFileRequiredMsg = "a deployment request file is required"
	MalformedURLMsg        = "wrong format of farm server URL"
)

// Kept separate to avoid skewing exit codes
const (
	ExitSuccess ExitCode = iota
	ExitInvocationFailure
	ExitDeploymentFailure
	ExitPartialSuccess
)

type Deployer struct {
	Client *http.Client
	Server string
}

type submitResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type statusResponse struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Progress    int    `json:"progressPercent"`
	CurrentStep string `json:"currentStepLabel"`
	Warning     string `json:"capacityWarning,omitempty"`
	StepLog     []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
		Output string `json:"output,omitempty"`
	} `json:"stepLog"`
}

// Run submits the request and, unless told otherwise, polls until the
// deployment finishes. The exit code mirrors the deployment outcome.
func (d *Deployer) Run(cfg Config) (ExitCode, error) {
	SetupLogging(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := cfg.Validate(); err != nil {
		return ExitInvocationFailure, err
	}

	request, err := requestFromFile(cfg.RequestFile)
	if err != nil {
		return ExitInvocationFailure, err
	}
	if err := request.Validate(); err != nil {
		return ExitInvocationFailure, err
	}

	resources, err := request.Resources()
	if err != nil {
		return ExitInvocationFailure, err
	}
	log.Infof("Deploying %d worker profiles (%s)", len(request.WorkerProfiles), resources)

	submitted, err := d.submit(ctx, request)
	if err != nil {
		return ExitDeploymentFailure, err
	}
	log.Infof("Deployment accepted with id %s", submitted.ID)

	if !cfg.Wait {
		fmt.Println(submitted.ID)
		return ExitSuccess, nil
	}

	return d.follow(ctx, submitted.ID, cfg.PollInterval)
}

func (d *Deployer) submit(ctx context.Context, request *plan.Request) (*submitResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal deployment request: %s", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Server+DeployAPIPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit deployment: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server rejected deployment: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	submitted := &submitResponse{}
	if err := json.NewDecoder(resp.Body).Decode(submitted); err != nil {
		return nil, fmt.Errorf("decode deployment response: %s", err)
	}
	return submitted, nil
}

// follow polls the status endpoint until the deployment reaches a
// terminal state, printing progress transitions as they happen.
func (d *Deployer) follow(ctx context.Context, id string, interval time.Duration) (ExitCode, error) {
	var lastStep string
	var lastProgress = -1

	for {
		status, err := d.status(ctx, id)
		if err != nil {
			log.Warnf("Status poll failed: %s", err)
		} else {
			if status.CurrentStep != lastStep || status.Progress != lastProgress {
				log.Infof("[%3d%%] %s: %s", status.Progress, status.State, status.CurrentStep)
				lastStep = status.CurrentStep
				lastProgress = status.Progress
			}
			if status.Warning != "" && lastProgress <= 0 {
				log.Warnf("%s", status.Warning)
			}

			if code, terminal := terminalExitCode(status); terminal {
				return d.finish(status, code)
			}
		}

		select {
		case <-ctx.Done():
			return ExitDeploymentFailure, fmt.Errorf("deployment timed out: %s", ctx.Err())
		case <-time.After(interval):
		}
	}
}

func terminalExitCode(status *statusResponse) (ExitCode, bool) {
	switch orchestrator.State(status.State) {
	case orchestrator.StateComplete:
		return ExitSuccess, true
	case orchestrator.StatePartial:
		return ExitPartialSuccess, true
	case orchestrator.StateFailed, orchestrator.StateCancelled:
		return ExitDeploymentFailure, true
	}
	return ExitSuccess, false
}

func (d *Deployer) finish(status *statusResponse, code ExitCode) (ExitCode, error) {
	for _, step := range status.StepLog {
		switch step.Status {
		case string(orchestrator.StepFailed):
			log.Errorf("step %s failed: %s", step.Name, step.Error)
			if step.Output != "" {
				log.Error(step.Output)
			}
		case string(orchestrator.StepSkipped):
			log.Warnf("step %s skipped", step.Name)
		}
	}

	switch code {
	case ExitSuccess:
		log.Infof("Deployment %s completed successfully", status.ID)
		return ExitSuccess, nil
	case ExitPartialSuccess:
		return ExitPartialSuccess, fmt.Errorf("deployment %s completed partially", status.ID)
	default:
		return code, fmt.Errorf("deployment %s ended in state %s", status.ID, status.State)
	}
}

func (d *Deployer) status(ctx context.Context, id string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Server+DeployAPIPath+"/"+id, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	status := &statusResponse{}
	if err := json.NewDecoder(resp.Body).Decode(status); err != nil {
		return nil, fmt.Errorf("decode status response: %s", err)
	}
	return status, nil
}

func requestFromFile(path string) (*plan.Request, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: open file: %s", path, err)
	}

	// the request file is YAML for human editing; the wire format is
	// JSON, so round-trip through generic maps
	intermediate := map[string]interface{}{}
	if err := yaml.Unmarshal(file, &intermediate); err != nil {
		return nil, fmt.Errorf("%s: parse request: %s", path, err)
	}

	raw, err := json.Marshal(normalize(intermediate))
	if err != nil {
		return nil, fmt.Errorf("%s: convert request: %s", path, err)
	}

	request := &plan.Request{}
	if err := json.Unmarshal(raw, request); err != nil {
		return nil, fmt.Errorf("%s: decode request: %s", path, err)
	}
	return request, nil
}

// normalize converts yaml.v2 map[interface{}]interface{} values into
// something encoding/json accepts.
func normalize(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[interface{}]interface{}:
		converted := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			converted[fmt.Sprintf("%v", k)] = normalize(v)
		}
		return converted
	case map[string]interface{}:
		for k, v := range typed {
			typed[k] = normalize(v)
		}
		return typed
	case []interface{}:
		for i, v := range typed {
			typed[i] = normalize(v)
		}
		return typed
	}
	return value
}

func SetupLogging(cfg Config) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        time.RFC3339Nano,
		DisableLevelTruncation: true,
	})
	if cfg.Quiet {
		log.SetLevel(log.ErrorLevel)
	}
}
