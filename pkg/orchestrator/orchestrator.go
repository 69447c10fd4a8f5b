// Package orchestrator executes deployment plans. It owns the per-
// deployment state machine, drives the hypervisor client and external
// tools, and exposes pollable progress snapshots.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/buildforever/farm/pkg/bootstrap"
	"github.com/buildforever/farm/pkg/capacity"
	"github.com/buildforever/farm/pkg/fault"
	"github.com/buildforever/farm/pkg/plan"
	"github.com/buildforever/farm/pkg/profile"
	"github.com/buildforever/farm/pkg/proxmox"
	"github.com/buildforever/farm/pkg/tool"
)

type Config struct {
	WorkerPoolSize int
	AwaitAttempts  int
	AwaitInterval  time.Duration
	ReadyDeadline  time.Duration
	ImageStorage   string
}

func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 3,
		AwaitAttempts:  60,
		AwaitInterval:  10 * time.Second,
		ReadyDeadline:  10 * time.Minute,
		ImageStorage:   "local",
	}
}

// Credentials is the identity material injected into instances,
// resolved from the vault before execution starts.
type Credentials struct {
	Username          string
	Password          string
	SSHPublicKey      string
	RegistrationToken string
}

// ClientFactory builds a hypervisor session from the connection
// parameters carried by a deployment request.
type ClientFactory func(conn plan.ProviderConnection) proxmox.Client

// RealClientFactory builds live Proxmox sessions.
func RealClientFactory(conn plan.ProviderConnection) proxmox.Client {
	return proxmox.NewClient(proxmox.Config{
		Endpoint:    conn.Endpoint,
		TokenID:     conn.TokenID,
		TokenSecret: conn.TokenSecret,
		Username:    conn.Username,
		Password:    conn.Password,
		InsecureTLS: conn.InsecureTLS,
	})
}

// Orchestrator coordinates deployments. Concurrent deployments are
// independent except for the per-node create locks, which serialize
// instance creation against the same hypervisor node.
type Orchestrator struct {
	cfg       Config
	store     Store
	clients   ClientFactory
	terraform *tool.Terraform
	ansible   *tool.Ansible
	prober    Prober

	lock      sync.Mutex
	cancels   map[uuid.UUID]context.CancelFunc
	nodeLocks map[string]*sync.Mutex
}

func New(cfg Config, store Store, clients ClientFactory, terraform *tool.Terraform, ansible *tool.Ansible, prober Prober) *Orchestrator {
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	if store == nil {
		store = DiscardStore{}
	}
	if clients == nil {
		clients = RealClientFactory
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		clients:   clients,
		terraform: terraform,
		ansible:   ansible,
		prober:    prober,
		cancels:   map[uuid.UUID]context.CancelFunc{},
		nodeLocks: map[string]*sync.Mutex{},
	}
}

// Cancel requests cancellation of a running deployment. The deployment
// stops between steps; a step already in flight runs to completion.
func (o *Orchestrator) Cancel(id uuid.UUID) bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	cancel, ok := o.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) nodeLock(node string) *sync.Mutex {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.nodeLocks[node] == nil {
		o.nodeLocks[node] = &sync.Mutex{}
	}
	return o.nodeLocks[node]
}

// Run executes one deployment to a terminal state. The returned error
// is nil only for a COMPLETE outcome; PARTIAL, FAILED and CANCELLED all
// return the fault that decided the outcome.
func (o *Orchestrator) Run(ctx context.Context, rec *Record, creds Credentials) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.lock.Lock()
	o.cancels[rec.ID] = cancel
	o.lock.Unlock()
	defer func() {
		o.lock.Lock()
		delete(o.cancels, rec.ID)
		o.lock.Unlock()
	}()

	logger := log.WithField("deployment", rec.ID.String())

	rec.setState(StatePlanning)
	o.persist(rec)

	p, err := plan.Build(&rec.Request)
	if err != nil {
		logger.WithError(err).Error("planning failed")
		rec.setState(StateFailed)
		o.persist(rec)
		return err
	}

	provider := o.clients(rec.Request.Connection)
	o.capacityAdvisory(runCtx, rec, provider, logger)

	rec.setState(StateExecuting)
	o.persist(rec)

	run := &execution{
		orch:     o,
		rec:      rec,
		plan:     p,
		creds:    creds,
		provider: provider,
		logger:   logger,
		total:    len(p.Steps),
	}
	err = run.execute(runCtx)

	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		rec.setState(StateCancelled)
	case err != nil && run.anyWorkerSucceeded() && fault.KindOf(err) == fault.KindProvisioning && !run.fatal:
		rec.setState(StatePartial)
	case err != nil:
		rec.setState(StateFailed)
	default:
		rec.setState(StateComplete)
	}
	rec.setCurrent("")
	o.persist(rec)

	logger.WithField("state", rec.Snapshot().State).Info("deployment finished")
	return err
}

// capacityAdvisory surfaces a warning when the node looks too small.
// It never blocks execution; over-committing is the operator's call.
func (o *Orchestrator) capacityAdvisory(ctx context.Context, rec *Record, provider proxmox.Client, logger *log.Entry) {
	required, err := rec.Request.Resources()
	if err != nil {
		return
	}
	node := rec.Request.Connection.Node
	if node == "" || provider == nil {
		return
	}
	free, err := provider.QueryCapacity(ctx, node)
	if err != nil {
		logger.WithError(err).Warn("capacity query failed; proceeding without advisory")
		return
	}
	report := capacity.Check(required, capacity.Availability{
		CPUCores:  free.CPUCores,
		MemoryGB:  free.MemoryFreeGB,
		StorageGB: free.StorageFreeGB,
	})
	if report.Overall != capacity.VerdictOK {
		warning := fmt.Sprintf("capacity on node %s: %s for %s", node, report, required)
		logger.Warn(warning)
		rec.setWarning(warning)
	}
}

func (o *Orchestrator) persist(rec *Record) {
	// persistence runs on its own context so a cancelled deployment
	// still gets its terminal state written
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.SaveDeployment(ctx, rec.Snapshot(), rec.Request); err != nil {
		log.WithError(err).WithField("deployment", rec.ID.String()).Error("persisting deployment record")
	}
}

// execution is the single-writer state of one Run call.
type execution struct {
	orch     *Orchestrator
	rec      *Record
	plan     *plan.Plan
	creds    Credentials
	provider proxmox.Client
	logger   *log.Entry

	lock          sync.Mutex
	done          int
	total         int
	fatal         bool
	failedWorkers map[string]bool
	okWorkers     map[string]proxmox.InstanceHandle
}

func (e *execution) execute(ctx context.Context) error {
	e.failedWorkers = map[string]bool{}
	e.okWorkers = map[string]proxmox.InstanceHandle{}

	var pre, workers, mid, reg, post []plan.Step
	for _, s := range e.plan.Steps {
		switch s.Type {
		case plan.StepProvisionWorker:
			workers = append(workers, s)
		case plan.StepAttachStorage:
			mid = append(mid, s)
		case plan.StepRegisterWorker:
			reg = append(reg, s)
		case plan.StepVerify:
			post = append(post, s)
		default:
			pre = append(pre, s)
		}
	}

	for i, s := range pre {
		if err := e.runSequential(ctx, s); err != nil {
			e.skipRemaining(pre[i+1:], workers, mid, reg, post)
			return err
		}
	}

	if err := e.runWorkerPhase(ctx, workers, e.provisionWorker); err != nil {
		e.skipRemaining(mid, reg, post)
		return err
	}
	if len(workers) > 0 && len(e.okWorkers) == 0 {
		e.skipRemaining(mid, reg, post)
		e.lock.Lock()
		e.fatal = true
		e.lock.Unlock()
		return fault.Errorf(fault.KindProvisioning, "all worker provisioning steps failed")
	}

	for i, s := range mid {
		if err := e.runSequential(ctx, s); err != nil {
			e.skipRemaining(mid[i+1:], reg, post)
			return err
		}
	}

	// registration only applies to workers that actually exist
	runnable := make([]plan.Step, 0, len(reg))
	for _, s := range reg {
		if e.failedWorkers[s.Profile] {
			e.record(s, StepOutcome{Status: StepSkipped, Error: "provisioning failed"})
			continue
		}
		runnable = append(runnable, s)
	}
	if err := e.runWorkerPhase(ctx, runnable, e.registerWorker); err != nil {
		e.skipRemaining(post)
		return err
	}

	if len(post) > 0 {
		e.rec.setState(StateVerifying)
		e.orch.persist(e.rec)
		for _, s := range post {
			if err := e.runSequential(ctx, s); err != nil {
				return err
			}
		}
	}

	if len(e.failedWorkers) > 0 {
		return fault.Errorf(fault.KindProvisioning, "%d of %d workers failed", len(e.failedWorkers), len(workers))
	}
	return nil
}

func (e *execution) anyWorkerSucceeded() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.okWorkers) > 0
}

// runSequential executes one step of the sequential portion of the
// plan, honoring cancellation between steps.
func (e *execution) runSequential(ctx context.Context, s plan.Step) error {
	if err := ctx.Err(); err != nil {
		e.record(s, StepOutcome{Status: StepSkipped, Error: "deployment cancelled"})
		return fault.Step(s.Name(), err)
	}

	e.rec.setCurrent(s.Label())
	e.orch.persist(e.rec)

	started := time.Now()
	output, err := e.dispatch(ctx, s)
	outcome := StepOutcome{Status: StepOK, Output: output, Started: started, Finished: time.Now()}
	if err != nil {
		outcome.Status = StepFailed
		outcome.Error = err.Error()
		outcome.Kind = fault.KindOf(err)
		e.lock.Lock()
		e.fatal = true
		e.lock.Unlock()
	}
	e.record(s, outcome)
	if err != nil {
		e.logger.WithError(err).WithField("step", s.Name()).Error("step failed")
		return fault.Step(s.Name(), err)
	}
	e.stepDone()
	return nil
}

// runWorkerPhase fans independent worker steps out over a bounded pool.
// Under the abort policy the first failure stops further steps from
// starting; in-flight steps finish undisturbed.
func (e *execution) runWorkerPhase(ctx context.Context, steps []plan.Step, fn func(context.Context, plan.Step) (string, error)) error {
	if len(steps) == 0 {
		return nil
	}

	abort := e.rec.Request.EffectiveFailurePolicy() == plan.PolicyAbort
	sem := make(chan struct{}, e.orch.cfg.WorkerPoolSize)
	var wg sync.WaitGroup
	var firstErr error

	aborted := func() bool {
		e.lock.Lock()
		defer e.lock.Unlock()
		return abort && len(e.failedWorkers) > 0
	}

	for _, s := range steps {
		if ctx.Err() != nil || aborted() {
			e.record(s, StepOutcome{Status: StepSkipped, Error: "deployment aborted"})
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(s plan.Step) {
			defer wg.Done()
			defer func() { <-sem }()

			e.rec.setCurrent(s.Label())
			e.orch.persist(e.rec)

			started := time.Now()
			output, err := fn(ctx, s)
			outcome := StepOutcome{Status: StepOK, Output: output, Started: started, Finished: time.Now()}
			if err != nil {
				outcome.Status = StepFailed
				outcome.Error = err.Error()
				outcome.Kind = fault.KindOf(err)
				e.lock.Lock()
				e.failedWorkers[s.Profile] = true
				if firstErr == nil {
					firstErr = fault.Step(s.Name(), err)
				}
				e.lock.Unlock()
				e.logger.WithError(err).WithField("step", s.Name()).Error("worker step failed")
			} else {
				e.stepDone()
			}
			e.record(s, outcome)
		}(s)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return fault.Step("worker-phase", ctx.Err())
	}
	if abort && firstErr != nil {
		e.lock.Lock()
		e.fatal = true
		e.lock.Unlock()
		return firstErr
	}
	// isolate policy: per-worker failures surface at the end of the run
	return nil
}

func (e *execution) dispatch(ctx context.Context, s plan.Step) (string, error) {
	switch s.Type {
	case plan.StepProbeCentral:
		return e.probeCentral(ctx)
	case plan.StepProvisionCentral:
		return e.provisionCentral(ctx)
	case plan.StepAwaitCentral:
		return e.awaitCentral(ctx)
	case plan.StepAttachProxy:
		return e.attachProxy(ctx)
	case plan.StepAttachStorage:
		return e.attachStorage(ctx)
	case plan.StepVerify:
		return e.verifyRegistration(ctx)
	}
	return "", fault.Errorf(fault.KindValidation, "no executor for step %q", s.Type)
}

func (e *execution) probeCentral(ctx context.Context) (string, error) {
	version, err := e.orch.prober.Probe(ctx, e.rec.Request.ExistingAddress)
	if err != nil {
		return "", fault.New(fault.KindConnectivity, err)
	}
	return fmt.Sprintf("central server reachable, version %s", version), nil
}

func (e *execution) provisionCentral(ctx context.Context) (string, error) {
	req := &e.rec.Request
	vars := map[string]string{
		"admin_username": e.creds.Username,
		"domain":         req.Domain,
		"node":           req.Connection.Node,
	}
	if req.Proxy.Enabled {
		vars["proxy_domain"] = req.Proxy.Domain
	}

	var combined strings.Builder
	for _, phase := range []func() (tool.Result, error){
		func() (tool.Result, error) { return e.orch.terraform.Init(ctx) },
		func() (tool.Result, error) { return e.orch.terraform.Plan(ctx, vars) },
		func() (tool.Result, error) { return e.orch.terraform.Apply(ctx) },
	} {
		result, err := phase()
		if err != nil {
			return combined.String(), fault.New(fault.KindProvisioning, err)
		}
		combined.WriteString(result.Output)
		if !result.Succeeded() {
			return combined.String(), fault.Errorf(fault.KindProvisioning, "terraform exited with status %d", result.ExitCode)
		}
	}
	return combined.String(), nil
}

func (e *execution) centralAddress() string {
	req := &e.rec.Request
	if req.Mode == plan.ModeUseExisting {
		return req.ExistingAddress
	}
	if req.Domain != "" {
		return "https://" + req.Domain
	}
	return "http://farm-central"
}

// awaitCentral polls until the central server answers or the attempt
// cap is exhausted. Exhaustion is fatal for the whole deployment.
func (e *execution) awaitCentral(ctx context.Context) (string, error) {
	address := e.centralAddress()
	for attempt := 1; attempt <= e.orch.cfg.AwaitAttempts; attempt++ {
		version, err := e.orch.prober.Probe(ctx, address)
		if err == nil {
			return fmt.Sprintf("central server ready after %d attempts, version %s", attempt, version), nil
		}
		e.logger.WithError(err).WithField("attempt", attempt).Debug("central server not ready")

		select {
		case <-ctx.Done():
			return "", fault.New(fault.KindTimeout, ctx.Err())
		case <-time.After(e.orch.cfg.AwaitInterval):
		}
	}
	return "", fault.Errorf(fault.KindTimeout, "central server %s not ready after %d attempts", address, e.orch.cfg.AwaitAttempts)
}

func (e *execution) provisionWorker(ctx context.Context, s plan.Step) (string, error) {
	p, err := profile.Get(s.Profile)
	if err != nil {
		return "", fault.New(fault.KindValidation, err)
	}

	req := &e.rec.Request
	node := req.Connection.Node

	image, err := e.findImage(ctx, node, p)
	if err != nil {
		return "", err
	}

	spec := proxmox.InstanceSpec{
		Name:         "farm-worker-" + p.ID,
		Node:         node,
		Kind:         instanceKind(p),
		CPUCores:     p.Shape.CPUCores,
		MemoryMB:     p.Shape.MemoryGB * 1024,
		DiskGB:       p.Shape.StorageGB,
		Image:        image,
		SSHPublicKey: e.creds.SSHPublicKey,
		Password:     e.creds.Password,
		Tags:         p.Tags,
		Bridge:       req.Connection.Bridge,
		StoragePool:  req.Connection.StoragePool,
		OSType:       p.OSType,
	}

	// instance creation is serialized per node and detached from the
	// cancellation signal: once issued it must run to completion
	nodeLock := e.orch.nodeLock(node)
	nodeLock.Lock()
	handle, err := e.provider.CreateInstance(context.WithoutCancel(ctx), spec)
	nodeLock.Unlock()
	if err != nil {
		return "", err
	}

	if err := e.provider.WaitReady(ctx, handle, e.orch.cfg.ReadyDeadline); err != nil {
		return "", err
	}

	e.lock.Lock()
	e.okWorkers[s.Profile] = handle
	e.lock.Unlock()

	return fmt.Sprintf("instance %d (%s) running on node %s", handle.VMID, handle.Name, handle.Node), nil
}

func (e *execution) findImage(ctx context.Context, node string, p profile.Profile) (string, error) {
	storage := e.orch.cfg.ImageStorage
	images, err := e.provider.ListBootImages(ctx, node, storage)
	if err != nil {
		return "", err
	}
	wantContent := "iso"
	if instanceKind(p) == proxmox.KindLXC {
		wantContent = "vztmpl"
	}
	for _, img := range images {
		if img.Content != wantContent {
			continue
		}
		if strings.Contains(img.VolID, p.ID) || (p.TemplateFile != "" && strings.Contains(img.VolID, p.TemplateFile)) {
			return img.VolID, nil
		}
	}

	// container templates are fetched on demand; VM installation media
	// is license-gated and must already sit on storage
	if p.TemplateURL == "" {
		return "", fault.Errorf(fault.KindProvisioning, "no boot image for profile %s on storage %s", p.ID, storage)
	}

	log.WithFields(log.Fields{
		"profile": p.ID,
		"node":    node,
		"url":     p.TemplateURL,
	}).Info("boot image missing; downloading template")

	download := proxmox.ImageDownload{
		URL:      p.TemplateURL,
		Filename: p.TemplateFile,
		Content:  wantContent,
	}
	if err := e.provider.DownloadImage(ctx, node, storage, download); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s/%s", storage, wantContent, p.TemplateFile), nil
}

func instanceKind(p profile.Profile) proxmox.InstanceKind {
	if p.Kind == profile.KindContainer {
		return proxmox.KindLXC
	}
	return proxmox.KindQEMU
}

func (e *execution) registerWorker(ctx context.Context, s plan.Step) (string, error) {
	p, err := profile.Get(s.Profile)
	if err != nil {
		return "", fault.New(fault.KindValidation, err)
	}

	name := "farm-worker-" + p.ID
	registerScript, err := bootstrap.RenderRegister(e.centralAddress(), e.creds.RegistrationToken, name, strings.Join(p.Tags, ","))
	if err != nil {
		return "", fault.New(fault.KindProvisioning, err)
	}

	userScript, err := e.userScript(p)
	if err != nil {
		return "", fault.New(fault.KindProvisioning, err)
	}

	result, err := e.orch.ansible.Apply(ctx, "register-worker.yml", map[string]interface{}{
		"server_url":      e.centralAddress(),
		"runner_name":     name,
		"tags":            strings.Join(p.Tags, ","),
		"token":           e.creds.RegistrationToken,
		"platform":        string(p.Platform),
		"user_script":     userScript,
		"register_script": registerScript,
	})
	if err != nil {
		return "", fault.New(fault.KindProvisioning, err)
	}
	if !result.Succeeded() {
		return result.Output, fault.Errorf(fault.KindProvisioning, "registration exited with status %d", result.ExitCode)
	}
	return result.Output, nil
}

// userScript renders the service account setup for the worker's
// platform. Windows guests get password auth, the rest get the key.
func (e *execution) userScript(p profile.Profile) (string, error) {
	if p.Platform == profile.PlatformWindows {
		return bootstrap.RenderWindowsUser(e.creds.Username, e.creds.Password)
	}
	return bootstrap.RenderLinuxUser(e.creds.Username, e.creds.SSHPublicKey)
}

func (e *execution) attachStorage(ctx context.Context) (string, error) {
	req := &e.rec.Request
	vars := map[string]interface{}{}
	if req.NFS != nil {
		script, err := bootstrap.RenderNFSMount(req.NFS.Server, req.NFS.Export, req.NFS.MountPath)
		if err != nil {
			return "", fault.New(fault.KindProvisioning, err)
		}
		vars["nfs_server"] = req.NFS.Server
		vars["nfs_export"] = req.NFS.Export
		vars["nfs_mount_path"] = req.NFS.MountPath
		vars["nfs_mount_script"] = script
	}
	if req.SMB != nil {
		script, err := bootstrap.RenderSMBMount(req.SMB.Server, req.SMB.Share, req.SMB.Username, req.SMB.Password, req.SMB.MountPath)
		if err != nil {
			return "", fault.New(fault.KindProvisioning, err)
		}
		vars["smb_server"] = req.SMB.Server
		vars["smb_share"] = req.SMB.Share
		vars["smb_username"] = req.SMB.Username
		vars["smb_password"] = req.SMB.Password
		vars["smb_mount_path"] = req.SMB.MountPath
		vars["smb_mount_script"] = script
	}

	result, err := e.orch.ansible.Apply(ctx, "attach-storage.yml", vars)
	if err != nil {
		return "", fault.New(fault.KindProvisioning, err)
	}
	if !result.Succeeded() {
		return result.Output, fault.Errorf(fault.KindProvisioning, "storage attachment exited with status %d", result.ExitCode)
	}
	return result.Output, nil
}

func (e *execution) attachProxy(ctx context.Context) (string, error) {
	req := &e.rec.Request
	result, err := e.orch.ansible.Apply(ctx, "attach-proxy.yml", map[string]interface{}{
		"domain":    req.Proxy.Domain,
		"dashboard": req.Proxy.Dashboard,
	})
	if err != nil {
		return "", fault.New(fault.KindProvisioning, err)
	}
	if !result.Succeeded() {
		return result.Output, fault.Errorf(fault.KindProvisioning, "proxy attachment exited with status %d", result.ExitCode)
	}
	return result.Output, nil
}

// verifyRegistration confirms every surviving worker shows up on the
// central server.
func (e *execution) verifyRegistration(ctx context.Context) (string, error) {
	expected := make([]string, 0, len(e.okWorkers))
	e.lock.Lock()
	for name := range e.okWorkers {
		expected = append(expected, "farm-worker-"+name)
	}
	e.lock.Unlock()

	result, err := e.orch.ansible.Apply(ctx, "verify-registration.yml", map[string]interface{}{
		"server_url":       e.centralAddress(),
		"expected_runners": expected,
	})
	if err != nil {
		return "", fault.New(fault.KindProvisioning, err)
	}
	if !result.Succeeded() {
		return result.Output, fault.Errorf(fault.KindProvisioning, "verification exited with status %d", result.ExitCode)
	}
	return result.Output, nil
}

func (e *execution) record(s plan.Step, outcome StepOutcome) {
	outcome.Name = s.Name()
	outcome.Label = s.Label()
	if outcome.Started.IsZero() {
		outcome.Started = time.Now()
		outcome.Finished = outcome.Started
	}
	e.rec.appendOutcome(outcome)
	e.orch.persist(e.rec)
}

func (e *execution) stepDone() {
	e.lock.Lock()
	e.done++
	done := e.done
	e.lock.Unlock()
	e.rec.advanceProgress(done, e.total)
	e.orch.persist(e.rec)
}

func (e *execution) skipRemaining(phases ...[]plan.Step) {
	for _, steps := range phases {
		for _, s := range steps {
			e.record(s, StepOutcome{Status: StepSkipped, Error: "deployment aborted"})
		}
	}
}
