package plan

import (
	"fmt"
	"strings"

	"github.com/buildforever/farm/pkg/fault"
	"github.com/buildforever/farm/pkg/profile"
)

// Mode selects how the deployment relates to a central server.
type Mode string

const (
	// ModeDeployNew provisions a fresh central server before any workers.
	ModeDeployNew Mode = "deploy-new"
	// ModeUseExisting registers workers against an already running server.
	ModeUseExisting Mode = "use-existing"
	// ModeNone provisions workers without registering them anywhere.
	ModeNone Mode = "none"
)

// FailurePolicy decides what happens when one worker step fails while
// its siblings are still healthy.
type FailurePolicy string

const (
	// PolicyIsolate confines the failure to the affected worker and lets
	// the remaining plan finish, ending in a partial outcome.
	PolicyIsolate FailurePolicy = "isolate"
	// PolicyAbort stops the whole deployment on the first worker failure.
	PolicyAbort FailurePolicy = "abort"
)

// Provider is the virtualization backend a deployment targets.
// Only Proxmox is implemented; the enum exists so requests stay
// forward compatible.
type Provider string

const ProviderProxmox Provider = "proxmox"

// NFSStorage describes a network filesystem share mounted on every worker.
type NFSStorage struct {
	Server    string `json:"server"`
	Export    string `json:"export"`
	MountPath string `json:"mountPath"`
}

// SMBStorage describes an authenticated network share mounted on every worker.
type SMBStorage struct {
	Server    string `json:"server"`
	Share     string `json:"share"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	MountPath string `json:"mountPath"`
}

// Proxy configures a reverse proxy in front of the central server.
type Proxy struct {
	Enabled   bool   `json:"enabled"`
	Domain    string `json:"domain"`
	Dashboard bool   `json:"dashboard"`
}

// ProviderConnection holds the hypervisor endpoint and session parameters.
type ProviderConnection struct {
	Endpoint    string `json:"endpoint"`
	Node        string `json:"node"`
	TokenID     string `json:"tokenId"`
	TokenSecret string `json:"tokenSecret"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	InsecureTLS bool   `json:"insecureTls"`
	Bridge      string `json:"bridge,omitempty"`
	StoragePool string `json:"storagePool,omitempty"`
}

// Request is the immutable input to the planner. Once validated it is
// never mutated; resource totals are a pure function of its fields.
type Request struct {
	Mode            Mode               `json:"mode"`
	ExistingAddress string             `json:"existingAddress,omitempty"`
	WorkerProfiles  []string           `json:"workerProfiles"`
	Provider        Provider           `json:"provider"`
	Connection      ProviderConnection `json:"connection"`
	NFS             *NFSStorage        `json:"nfs,omitempty"`
	SMB             *SMBStorage        `json:"smb,omitempty"`
	Proxy           Proxy              `json:"proxy"`
	CredentialID    string             `json:"credentialId,omitempty"`
	FailurePolicy   FailurePolicy      `json:"failurePolicy,omitempty"`
	Domain          string             `json:"domain,omitempty"`
}

// Validate checks the request for contradictions before any side effect.
// All errors returned here carry the validation fault kind.
func (r *Request) Validate() error {
	switch r.Mode {
	case ModeDeployNew, ModeUseExisting, ModeNone:
	default:
		return fault.Errorf(fault.KindValidation, "unknown deployment mode %q", r.Mode)
	}

	if r.Mode == ModeUseExisting && strings.TrimSpace(r.ExistingAddress) == "" {
		return fault.Errorf(fault.KindValidation, "mode %q requires an existing server address", ModeUseExisting)
	}

	if len(r.WorkerProfiles) == 0 {
		return fault.Errorf(fault.KindValidation, "at least one worker profile must be selected")
	}

	seen := make(map[string]bool, len(r.WorkerProfiles))
	for _, id := range r.WorkerProfiles {
		if seen[id] {
			return fault.Errorf(fault.KindValidation, "duplicate worker profile %q", id)
		}
		seen[id] = true
		if !profile.Exists(id) {
			return fault.Errorf(fault.KindValidation, "unknown worker profile %q", id)
		}
	}

	if r.Provider != ProviderProxmox {
		return fault.Errorf(fault.KindValidation, "unsupported provider %q", r.Provider)
	}

	if r.NFS != nil {
		if r.NFS.Server == "" || r.NFS.Export == "" || r.NFS.MountPath == "" {
			return fault.Errorf(fault.KindValidation, "nfs storage requires server, export and mount path")
		}
	}
	if r.SMB != nil {
		if r.SMB.Server == "" || r.SMB.Share == "" || r.SMB.MountPath == "" {
			return fault.Errorf(fault.KindValidation, "smb storage requires server, share and mount path")
		}
	}
	if r.NFS != nil && r.SMB != nil && r.NFS.MountPath == r.SMB.MountPath {
		return fault.Errorf(fault.KindValidation, "nfs and smb storage collide on mount path %q", r.NFS.MountPath)
	}

	if r.Proxy.Enabled && strings.TrimSpace(r.Proxy.Domain) == "" {
		return fault.Errorf(fault.KindValidation, "reverse proxy requires a base domain")
	}

	switch r.FailurePolicy {
	case "", PolicyIsolate, PolicyAbort:
	default:
		return fault.Errorf(fault.KindValidation, "unknown failure policy %q", r.FailurePolicy)
	}

	return nil
}

// EffectiveFailurePolicy returns the requested policy, defaulting to
// isolating per-worker failures.
func (r *Request) EffectiveFailurePolicy() FailurePolicy {
	if r.FailurePolicy == PolicyAbort {
		return PolicyAbort
	}
	return PolicyIsolate
}

// HasStorage reports whether any shared-storage attachment is configured.
func (r *Request) HasStorage() bool {
	return r.NFS != nil || r.SMB != nil
}

// Resources computes the aggregate resource requirement of the request:
// every selected worker shape plus the central server baseline when a new
// central server is part of the deployment.
func (r *Request) Resources() (profile.Shape, error) {
	var total profile.Shape
	if r.Mode == ModeDeployNew {
		total = total.Add(profile.CentralServerShape)
	}
	for _, id := range r.WorkerProfiles {
		p, err := profile.Get(id)
		if err != nil {
			return profile.Shape{}, fmt.Errorf("resource calculation: %w", err)
		}
		total = total.Add(p.Shape)
	}
	return total, nil
}
