package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/buildforever/farm/pkg/retry"
)

const (
	requestTimeout   = 30 * time.Second
	taskPollInterval = 2 * time.Second
	readyPollEvery   = 5 * time.Second

	bytesPerGB = 1024 * 1024 * 1024
)

type Config struct {
	Endpoint    string
	TokenID     string
	TokenSecret string
	Username    string
	Password    string
	InsecureTLS bool
}

// RealClient implements Client against a live Proxmox VE endpoint.
// Authentication is either an API token, set on every request, or a
// session ticket obtained lazily from username/password.
type RealClient struct {
	cfg    Config
	client *http.Client

	// authLock guards the ticket pair; worker pool goroutines share
	// one client and may authenticate concurrently.
	authLock  sync.Mutex
	ticket    string
	csrfToken string
}

var _ Client = &RealClient{}

func NewClient(cfg Config) *RealClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &RealClient{
		cfg: cfg,
		client: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
	}
}

type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

func (c *RealClient) authenticate(ctx context.Context) error {
	if c.cfg.TokenID != "" {
		return nil
	}

	c.authLock.Lock()
	defer c.authLock.Unlock()
	if c.ticket != "" {
		return nil
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/api2/json/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
	}

	ticket := struct {
		Data struct {
			Ticket    string `json:"ticket"`
			CSRFToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return fmt.Errorf("decoding ticket response: %w", err)
	}

	c.ticket = ticket.Data.Ticket
	c.csrfToken = ticket.Data.CSRFToken
	return nil
}

func (c *RealClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if c.cfg.TokenID != "" {
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.cfg.TokenID, c.cfg.TokenSecret))
	} else {
		c.authLock.Lock()
		ticket, csrf := c.ticket, c.csrfToken
		c.authLock.Unlock()
		req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: ticket})
		if method != http.MethodGet {
			req.Header.Set("CSRFPreventionToken", csrf)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}

	wrapper := apiResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if wrapper.Data == nil {
		return fmt.Errorf("response has no data field")
	}
	return json.Unmarshal(wrapper.Data, out)
}

// getRetried wraps an idempotent GET in bounded backoff. Auth failures
// are fatal; retrying a rejected token never helps.
func (c *RealClient) getRetried(ctx context.Context, path string, out interface{}) error {
	return retry.WithExponentialBackoff(ctx, func() error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if apiErr, ok := err.(*apiError); ok {
			if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
				return retry.Fatal(err)
			}
		}
		return err
	}, retry.WithMaxRetries(2), retry.WithInitialDelay(500*time.Millisecond))
}

func (c *RealClient) Version(ctx context.Context) (string, error) {
	version := struct {
		Version string `json:"version"`
		Release string `json:"release"`
	}{}
	if err := c.do(ctx, http.MethodGet, "/api2/json/version", nil, &version); err != nil {
		return "", connectivityError("version probe", err)
	}
	if version.Version == "" {
		return "", connectivityError("version probe", fmt.Errorf("endpoint returned no version string"))
	}
	return version.Version, nil
}

func (c *RealClient) QueryCapacity(ctx context.Context, node string) (NodeCapacity, error) {
	status := struct {
		CPUInfo struct {
			CPUs int `json:"cpus"`
		} `json:"cpuinfo"`
		CPU    float64 `json:"cpu"`
		Memory struct {
			Free int64 `json:"free"`
		} `json:"memory"`
		RootFS struct {
			Free int64 `json:"free"`
		} `json:"rootfs"`
	}{}

	path := fmt.Sprintf("/api2/json/nodes/%s/status", url.PathEscape(node))
	if err := c.getRetried(ctx, path, &status); err != nil {
		return NodeCapacity{}, connectivityError("query capacity", err)
	}

	return NodeCapacity{
		Node:           node,
		CPUCores:       float64(status.CPUInfo.CPUs) * (1 - status.CPU),
		MemoryFreeGB:   float64(status.Memory.Free) / bytesPerGB,
		StorageFreeGB:  float64(status.RootFS.Free) / bytesPerGB,
		CPUUtilization: status.CPU,
	}, nil
}

func (c *RealClient) ListBootImages(ctx context.Context, node, storage string) ([]BootImage, error) {
	content := []struct {
		VolID   string  `json:"volid"`
		Format  string  `json:"format"`
		Content string  `json:"content"`
		Size    float64 `json:"size"`
	}{}

	path := fmt.Sprintf("/api2/json/nodes/%s/storage/%s/content", url.PathEscape(node), url.PathEscape(storage))
	if err := c.getRetried(ctx, path, &content); err != nil {
		return nil, connectivityError("list boot images", err)
	}

	images := make([]BootImage, 0, len(content))
	for _, item := range content {
		if item.Content != "iso" && item.Content != "vztmpl" {
			continue
		}
		images = append(images, BootImage{
			VolID:   item.VolID,
			Format:  item.Format,
			Content: item.Content,
			SizeGB:  item.Size / bytesPerGB,
		})
	}
	return images, nil
}

func (c *RealClient) nextVMID(ctx context.Context) (int, error) {
	var raw string
	if err := c.getRetried(ctx, "/api2/json/cluster/nextid", &raw); err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

type guestSummary struct {
	VMID int    `json:"vmid"`
	Name string `json:"name"`
}

// findExisting checks whether a guest with the given name already lives
// on the node. LXC guests report their name as "name" in list output
// just like QEMU guests do.
func (c *RealClient) findExisting(ctx context.Context, node string, kind InstanceKind, name string) (int, bool, error) {
	guests := []guestSummary{}
	path := fmt.Sprintf("/api2/json/nodes/%s/%s", url.PathEscape(node), kind)
	if err := c.getRetried(ctx, path, &guests); err != nil {
		return 0, false, err
	}
	for _, g := range guests {
		if g.Name == name {
			return g.VMID, true, nil
		}
	}
	return 0, false, nil
}

func (c *RealClient) CreateInstance(ctx context.Context, spec InstanceSpec) (InstanceHandle, error) {
	vmid, exists, err := c.findExisting(ctx, spec.Node, spec.Kind, spec.Name)
	if err != nil {
		return InstanceHandle{}, connectivityError("create instance", err)
	}
	if exists {
		log.WithFields(log.Fields{
			"node": spec.Node,
			"name": spec.Name,
			"vmid": vmid,
		}).Info("instance already exists; reusing")
		return InstanceHandle{VMID: vmid, Node: spec.Node, Name: spec.Name, Kind: spec.Kind}, nil
	}

	vmid, err = c.nextVMID(ctx)
	if err != nil {
		return InstanceHandle{}, connectivityError("allocate vmid", err)
	}

	form := url.Values{}
	form.Set("vmid", strconv.Itoa(vmid))
	form.Set("cores", strconv.Itoa(spec.CPUCores))
	form.Set("memory", strconv.Itoa(spec.MemoryMB))
	form.Set("start", "1")
	if len(spec.Tags) > 0 {
		form.Set("tags", strings.Join(spec.Tags, ";"))
	}

	pool := spec.StoragePool
	if pool == "" {
		pool = "local-lvm"
	}
	bridge := spec.Bridge
	if bridge == "" {
		bridge = "vmbr0"
	}

	switch spec.Kind {
	case KindLXC:
		form.Set("hostname", spec.Name)
		form.Set("ostemplate", spec.Image)
		form.Set("storage", pool)
		form.Set("rootfs", fmt.Sprintf("%s:%d", pool, spec.DiskGB))
		form.Set("net0", fmt.Sprintf("name=eth0,bridge=%s,ip=dhcp", bridge))
		form.Set("unprivileged", "1")
		form.Set("onboot", "1")
		if spec.SSHPublicKey != "" {
			form.Set("ssh-public-keys", spec.SSHPublicKey)
		}
		if spec.Password != "" {
			form.Set("password", spec.Password)
		}
	case KindQEMU:
		ostype := spec.OSType
		if ostype == "" {
			ostype = "l26"
		}
		form.Set("name", spec.Name)
		form.Set("cdrom", spec.Image)
		form.Set("scsihw", "virtio-scsi-pci")
		form.Set("scsi0", fmt.Sprintf("%s:%d", pool, spec.DiskGB))
		form.Set("net0", fmt.Sprintf("virtio,bridge=%s", bridge))
		form.Set("agent", "enabled=1")
		form.Set("ostype", ostype)
		switch ostype {
		case "win10", "win11", "other":
			// Windows and macOS guests boot UEFI only
			form.Set("bios", "ovmf")
			form.Set("machine", "q35")
			form.Set("efidisk0", fmt.Sprintf("%s:1", pool))
		}
		if ostype == "win11" {
			form.Set("tpmstate0", fmt.Sprintf("%s:1,version=v2.0", pool))
		}
	default:
		return InstanceHandle{}, provisioningError("create instance", fmt.Errorf("unknown instance kind %q", spec.Kind))
	}

	// not retried: a duplicate create after an ambiguous failure would
	// leak a second guest
	var upid string
	path := fmt.Sprintf("/api2/json/nodes/%s/%s", url.PathEscape(spec.Node), spec.Kind)
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return InstanceHandle{}, provisioningError("create instance", err)
	}

	if err := c.awaitTask(ctx, spec.Node, upid); err != nil {
		return InstanceHandle{}, err
	}

	return InstanceHandle{VMID: vmid, Node: spec.Node, Name: spec.Name, Kind: spec.Kind, Created: true}, nil
}

func (c *RealClient) DownloadImage(ctx context.Context, node, storage string, download ImageDownload) error {
	form := url.Values{}
	form.Set("url", download.URL)
	form.Set("filename", download.Filename)
	form.Set("content", download.Content)

	var upid string
	path := fmt.Sprintf("/api2/json/nodes/%s/storage/%s/download-url", url.PathEscape(node), url.PathEscape(storage))
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return provisioningError("download image", err)
	}
	return c.awaitTask(ctx, node, upid)
}

// awaitTask polls a Proxmox task UPID until it leaves the running state.
func (c *RealClient) awaitTask(ctx context.Context, node, upid string) error {
	status := struct {
		Status     string `json:"status"`
		ExitStatus string `json:"exitstatus"`
	}{}
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))

	for {
		if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
			return provisioningError("await task", err)
		}
		if status.Status != "running" {
			if status.ExitStatus != "OK" {
				return provisioningError("await task", fmt.Errorf("task %s finished with %q", upid, status.ExitStatus))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return timeoutError("await task", ctx.Err())
		case <-time.After(taskPollInterval):
		}
	}
}

func (c *RealClient) WaitReady(ctx context.Context, handle InstanceHandle, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	status := struct {
		Status string `json:"status"`
	}{}
	path := fmt.Sprintf("/api2/json/nodes/%s/%s/%d/status/current", url.PathEscape(handle.Node), handle.Kind, handle.VMID)

	for {
		err := c.do(ctx, http.MethodGet, path, nil, &status)
		if err == nil && status.Status == "running" {
			return nil
		}
		if err != nil {
			log.WithError(err).WithField("vmid", handle.VMID).Debug("instance not ready yet")
		}

		select {
		case <-ctx.Done():
			return timeoutError("wait ready", fmt.Errorf("instance %d not running within %s", handle.VMID, deadline))
		case <-time.After(readyPollEvery):
		}
	}
}
