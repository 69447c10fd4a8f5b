package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
)

type Deployment struct {
	ID           string          `json:"id"`
	State        string          `json:"state"`
	Progress     int             `json:"progressPercent"`
	CurrentStep  string          `json:"currentStepLabel"`
	Warning      string          `json:"capacityWarning,omitempty"`
	Request      json.RawMessage `json:"request"`
	CredentialID *string         `json:"credentialId,omitempty"`
	Created      time.Time       `json:"created"`
	Started      *time.Time      `json:"started,omitempty"`
	Completed    *time.Time      `json:"completed,omitempty"`
}

type DeploymentStep struct {
	DeploymentID string     `json:"-"`
	Index        int        `json:"-"`
	Name         string     `json:"name"`
	Label        string     `json:"label"`
	Status       string     `json:"status"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	Kind         string     `json:"kind,omitempty"`
	Started      *time.Time `json:"started,omitempty"`
	Finished     *time.Time `json:"finished,omitempty"`
}

type DeploymentStore interface {
	Deployments(ctx context.Context, limit int) ([]*Deployment, error)
	Deployment(ctx context.Context, id string) (*Deployment, error)
	DeploymentSteps(ctx context.Context, deploymentID string) ([]DeploymentStep, error)
	WriteDeployment(ctx context.Context, deployment Deployment) error
	WriteDeploymentSteps(ctx context.Context, deploymentID string, steps []DeploymentStep) error
	ActiveDeploymentsWithCredential(ctx context.Context, credentialID string) (int, error)
}

var _ DeploymentStore = &Database{}

const selectDeploymentFields = `id, state, progress, current_step, warning, request, credential_id, created, started, completed`

func scanDeployment(rows pgx.Rows) (*Deployment, error) {
	deployment := &Deployment{}

	err := rows.Scan(
		&deployment.ID,
		&deployment.State,
		&deployment.Progress,
		&deployment.CurrentStep,
		&deployment.Warning,
		&deployment.Request,
		&deployment.CredentialID,
		&deployment.Created,
		&deployment.Started,
		&deployment.Completed,
	)

	return deployment, err
}

func (db *Database) Deployments(ctx context.Context, limit int) ([]*Deployment, error) {
	query := `SELECT ` + selectDeploymentFields + ` FROM deployment ORDER BY created DESC LIMIT $1;`
	rows, err := db.timedQuery(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	deployments := make([]*Deployment, 0)
	defer rows.Close()
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, deployment)
	}

	return deployments, nil
}

func (db *Database) Deployment(ctx context.Context, id string) (*Deployment, error) {
	query := `SELECT ` + selectDeploymentFields + ` FROM deployment WHERE id = $1;`
	rows, err := db.timedQuery(ctx, query, id)
	if err != nil {
		return nil, err
	}

	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}

	return scanDeployment(rows)
}

func (db *Database) DeploymentSteps(ctx context.Context, deploymentID string) ([]DeploymentStep, error) {
	query := `
SELECT deployment_id, idx, name, label, status, output, error, kind, started, finished
FROM deployment_step
WHERE deployment_id = $1
ORDER BY idx ASC;
`
	rows, err := db.timedQuery(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}

	steps := make([]DeploymentStep, 0)
	defer rows.Close()
	for rows.Next() {
		var step DeploymentStep
		err := rows.Scan(
			&step.DeploymentID,
			&step.Index,
			&step.Name,
			&step.Label,
			&step.Status,
			&step.Output,
			&step.Error,
			&step.Kind,
			&step.Started,
			&step.Finished,
		)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return steps, nil
}

func (db *Database) WriteDeployment(ctx context.Context, deployment Deployment) error {
	query := `
INSERT INTO deployment (id, state, progress, current_step, warning, request, credential_id, created, started, completed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET state = EXCLUDED.state,
    progress = EXCLUDED.progress,
    current_step = EXCLUDED.current_step,
    warning = EXCLUDED.warning,
    started = EXCLUDED.started,
    completed = EXCLUDED.completed;
`
	_, err := db.conn.Exec(ctx, query,
		deployment.ID,
		deployment.State,
		deployment.Progress,
		deployment.CurrentStep,
		deployment.Warning,
		deployment.Request,
		deployment.CredentialID,
		deployment.Created,
		deployment.Started,
		deployment.Completed,
	)
	return err
}

// WriteDeploymentSteps replaces the step log of a deployment. The log is
// small and append-only from the orchestrator's point of view, so a full
// rewrite inside one transaction keeps the code simple and the result
// consistent.
func (db *Database) WriteDeploymentSteps(ctx context.Context, deploymentID string, steps []DeploymentStep) error {
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `DELETE FROM deployment_step WHERE deployment_id = $1;`, deploymentID)
	if err != nil {
		return err
	}

	query := `
INSERT INTO deployment_step (deployment_id, idx, name, label, status, output, error, kind, started, finished)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	for i, step := range steps {
		_, err = tx.Exec(ctx, query,
			deploymentID,
			i,
			step.Name,
			step.Label,
			step.Status,
			step.Output,
			step.Error,
			step.Kind,
			step.Started,
			step.Finished,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (db *Database) ActiveDeploymentsWithCredential(ctx context.Context, credentialID string) (int, error) {
	query := `
SELECT COUNT(*)
FROM deployment
WHERE credential_id = $1
  AND state NOT IN ('complete', 'failed', 'partial', 'cancelled');
`
	var count int
	row := db.conn.QueryRow(ctx, query, credentialID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
