package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildforever/farm/pkg/orchestrator"
	"github.com/buildforever/farm/pkg/plan"
)

// Recorder adapts a DeploymentStore to the snapshot persistence the
// orchestrator expects. Secrets inside the request are redacted before
// the row is written; the vault is the only place credential material
// lives at rest.
type Recorder struct {
	Store DeploymentStore
}

var _ orchestrator.Store = &Recorder{}

func (r *Recorder) SaveDeployment(ctx context.Context, snapshot orchestrator.Snapshot, request plan.Request) error {
	redacted := request
	redacted.Connection.TokenSecret = ""
	redacted.Connection.Password = ""
	if redacted.SMB != nil {
		smb := *redacted.SMB
		smb.Password = ""
		redacted.SMB = &smb
	}

	raw, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("marshal deployment request: %s", err)
	}

	row := Deployment{
		ID:          snapshot.ID.String(),
		State:       string(snapshot.State),
		Progress:    snapshot.Progress,
		CurrentStep: snapshot.Current,
		Warning:     snapshot.Warning,
		Request:     raw,
		Created:     snapshot.Created,
		Started:     nullable(snapshot.Started),
		Completed:   nullable(snapshot.Completed),
	}
	if snapshot.CredentialID != "" {
		id := snapshot.CredentialID
		row.CredentialID = &id
	}

	if err := r.Store.WriteDeployment(ctx, row); err != nil {
		return err
	}

	steps := make([]DeploymentStep, len(snapshot.StepLog))
	for i, outcome := range snapshot.StepLog {
		steps[i] = DeploymentStep{
			Name:     outcome.Name,
			Label:    outcome.Label,
			Status:   string(outcome.Status),
			Output:   outcome.Output,
			Error:    outcome.Error,
			Kind:     string(outcome.Kind),
			Started:  nullable(outcome.Started),
			Finished: nullable(outcome.Finished),
		}
	}
	return r.Store.WriteDeploymentSteps(ctx, row.ID, steps)
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
