// Package plan turns a declarative deployment request into an ordered
// list of typed provisioning steps.
package plan

import "fmt"

// StepType identifies what a step does; the orchestrator maps each type
// to an executor.
type StepType string

const (
	StepProbeCentral     StepType = "probe-central"
	StepProvisionCentral StepType = "provision-central"
	StepAwaitCentral     StepType = "await-central-ready"
	StepAttachProxy      StepType = "attach-proxy"
	StepProvisionWorker  StepType = "provision-worker"
	StepAttachStorage    StepType = "attach-storage"
	StepRegisterWorker   StepType = "register-worker"
	StepVerify           StepType = "verify-registration"
)

// Step is one unit of the plan. Worker-scoped steps carry the profile
// identifier they apply to; Requires names the step that must reach a
// terminal outcome before this one may start, if any.
type Step struct {
	Type     StepType
	Profile  string
	Requires string
}

// Name is the unique identifier of the step within its plan.
func (s Step) Name() string {
	if s.Profile != "" {
		return fmt.Sprintf("%s[%s]", s.Type, s.Profile)
	}
	return string(s.Type)
}

// Label is the human-readable description shown as current-step text.
func (s Step) Label() string {
	switch s.Type {
	case StepProbeCentral:
		return "Probing existing central server"
	case StepProvisionCentral:
		return "Provisioning central server"
	case StepAwaitCentral:
		return "Waiting for central server to become ready"
	case StepAttachProxy:
		return "Attaching reverse proxy"
	case StepProvisionWorker:
		return fmt.Sprintf("Provisioning %s worker", s.Profile)
	case StepAttachStorage:
		return "Attaching shared storage"
	case StepRegisterWorker:
		return fmt.Sprintf("Registering %s worker", s.Profile)
	case StepVerify:
		return "Verifying worker registration"
	}
	return string(s.Type)
}

// Plan is the ordered step list for one deployment. Worker provisioning
// steps are independent of each other and may run concurrently; every
// other ordering edge is expressed through Step.Requires or plan order.
type Plan struct {
	Steps []Step
}

// Build produces the plan for a validated request. It performs no side
// effects; a validation failure returns the error and an empty plan.
//
// Ordering: central-server steps first, then worker provisioning,
// then storage attachment, then registration, then verification. The
// proxy fronts the central server and is attached as soon as the server
// is ready. For use-existing mode a connectivity probe is the very
// first step so an unreachable server fails the deployment before any
// infrastructure is created. For mode none both registration and
// verification are omitted; unregistered workers are a valid outcome.
func Build(req *Request) (*Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p := &Plan{}

	switch req.Mode {
	case ModeUseExisting:
		p.add(Step{Type: StepProbeCentral})
		p.add(Step{Type: StepAwaitCentral, Requires: string(StepProbeCentral)})
	case ModeDeployNew:
		p.add(Step{Type: StepProvisionCentral})
		p.add(Step{Type: StepAwaitCentral, Requires: string(StepProvisionCentral)})
	}

	if req.Proxy.Enabled && req.Mode != ModeNone {
		p.add(Step{Type: StepAttachProxy, Requires: string(StepAwaitCentral)})
	}

	for _, id := range req.WorkerProfiles {
		p.add(Step{Type: StepProvisionWorker, Profile: id})
	}

	if req.HasStorage() {
		p.add(Step{Type: StepAttachStorage})
	}

	if req.Mode != ModeNone {
		for _, id := range req.WorkerProfiles {
			p.add(Step{
				Type:     StepRegisterWorker,
				Profile:  id,
				Requires: Step{Type: StepProvisionWorker, Profile: id}.Name(),
			})
		}
		p.add(Step{Type: StepVerify})
	}

	return p, nil
}

func (p *Plan) add(s Step) {
	p.Steps = append(p.Steps, s)
}

// Labels returns the human-readable step labels in plan order.
func (p *Plan) Labels() []string {
	labels := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		labels[i] = s.Label()
	}
	return labels
}
