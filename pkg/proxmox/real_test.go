package proxmox_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buildforever/farm/pkg/fault"
	"github.com/buildforever/farm/pkg/proxmox"
)

type fakeAPI struct {
	mux  *http.ServeMux
	lock sync.Mutex

	created        int
	taskPolled     int
	ticketsIssued  int
	statusFailures int
	lastForm       url.Values
}

func (f *fakeAPI) recordForm(r *http.Request) {
	_ = r.ParseForm()
	f.lock.Lock()
	f.lastForm = r.PostForm
	f.lock.Unlock()
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{mux: http.NewServeMux()}

	authorized := func(r *http.Request) bool {
		if r.Header.Get("Authorization") == "PVEAPIToken=farm@pve!ci=s3cret" {
			return true
		}
		cookie, err := r.Cookie("PVEAuthCookie")
		return err == nil && cookie.Value == "PVE:ticket"
	}

	f.mux.HandleFunc("/api2/json/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") != "root@pam" || r.FormValue("password") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.lock.Lock()
		f.ticketsIssued++
		f.lock.Unlock()
		fmt.Fprint(w, `{"data":{"ticket":"PVE:ticket","CSRFPreventionToken":"csrf"}}`)
	})

	f.mux.HandleFunc("/api2/json/version", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":{"version":"8.2.4","release":"8.2"}}`)
	})

	f.mux.HandleFunc("/api2/json/nodes/pve1/status", func(w http.ResponseWriter, r *http.Request) {
		f.lock.Lock()
		failing := f.statusFailures > 0
		if failing {
			f.statusFailures--
		}
		f.lock.Unlock()
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":{"cpuinfo":{"cpus":16},"cpu":0.25,"memory":{"free":34359738368},"rootfs":{"free":214748364800}}}`)
	})

	f.mux.HandleFunc("/api2/json/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":"105"}`)
	})

	f.mux.HandleFunc("/api2/json/nodes/pve1/lxc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if f.created > 0 {
				fmt.Fprint(w, `{"data":[{"vmid":105,"name":"farm-worker-debian"}]}`)
			} else {
				fmt.Fprint(w, `{"data":[]}`)
			}
			return
		}
		f.recordForm(r)
		f.created++
		assert.Equal(t, "farm-worker-debian", r.PostFormValue("hostname"))
		assert.Equal(t, "2", r.PostFormValue("cores"))
		fmt.Fprint(w, `{"data":"UPID:pve1:0001:create"}`)
	})

	f.mux.HandleFunc("/api2/json/nodes/pve1/qemu", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		f.recordForm(r)
		f.created++
		fmt.Fprint(w, `{"data":"UPID:pve1:0002:create"}`)
	})

	f.mux.HandleFunc("/api2/json/nodes/pve1/storage/local/download-url", func(w http.ResponseWriter, r *http.Request) {
		f.recordForm(r)
		fmt.Fprint(w, `{"data":"UPID:pve1:0003:download"}`)
	})

	f.mux.HandleFunc("/api2/json/nodes/pve1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		f.lock.Lock()
		f.taskPolled++
		f.lock.Unlock()
		fmt.Fprint(w, `{"data":{"status":"stopped","exitstatus":"OK"}}`)
	})

	f.mux.HandleFunc("/api2/json/nodes/pve1/lxc/105/status/current", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"status":"stopped"}}`)
	})

	server := httptest.NewServer(f.mux)
	t.Cleanup(server.Close)
	return f, server
}

func tokenClient(endpoint string) *proxmox.RealClient {
	return proxmox.NewClient(proxmox.Config{
		Endpoint:    endpoint,
		TokenID:     "farm@pve!ci",
		TokenSecret: "s3cret",
	})
}

func TestVersionProbe(t *testing.T) {
	_, server := newFakeAPI(t)
	client := tokenClient(server.URL)

	version, err := client.Version(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "8.2.4", version)
}

func TestVersionProbeAuthFailure(t *testing.T) {
	_, server := newFakeAPI(t)
	client := proxmox.NewClient(proxmox.Config{
		Endpoint:    server.URL,
		TokenID:     "farm@pve!ci",
		TokenSecret: "wrong",
	})

	_, err := client.Version(context.Background())
	assert.Error(t, err)
	assert.True(t, fault.IsConnectivity(err))
}

func TestQueryCapacity(t *testing.T) {
	_, server := newFakeAPI(t)
	client := tokenClient(server.URL)

	cap, err := client.QueryCapacity(context.Background(), "pve1")
	assert.NoError(t, err)
	assert.InDelta(t, 12.0, cap.CPUCores, 0.01)
	assert.InDelta(t, 32.0, cap.MemoryFreeGB, 0.01)
	assert.InDelta(t, 200.0, cap.StorageFreeGB, 0.01)
}

func TestCreateInstanceIdempotent(t *testing.T) {
	f, server := newFakeAPI(t)
	client := tokenClient(server.URL)

	spec := proxmox.InstanceSpec{
		Name:     "farm-worker-debian",
		Node:     "pve1",
		Kind:     proxmox.KindLXC,
		CPUCores: 2,
		MemoryMB: 4096,
		DiskGB:   40,
		Image:    "local:vztmpl/debian-12-standard.tar.zst",
	}

	first, err := client.CreateInstance(context.Background(), spec)
	assert.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 105, first.VMID)

	// the second create must find the existing guest, not create again
	second, err := client.CreateInstance(context.Background(), spec)
	assert.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, 105, second.VMID)
	assert.Equal(t, 1, f.created)
}

func TestQueryCapacityRetriesTransientFailure(t *testing.T) {
	f, server := newFakeAPI(t)
	f.statusFailures = 1
	client := tokenClient(server.URL)

	cap, err := client.QueryCapacity(context.Background(), "pve1")
	assert.NoError(t, err)
	assert.InDelta(t, 12.0, cap.CPUCores, 0.01)
}

func TestCreateContainerNetworkAndStorage(t *testing.T) {
	f, server := newFakeAPI(t)
	client := tokenClient(server.URL)

	_, err := client.CreateInstance(context.Background(), proxmox.InstanceSpec{
		Name:     "farm-worker-debian",
		Node:     "pve1",
		Kind:     proxmox.KindLXC,
		CPUCores: 2,
		MemoryMB: 4096,
		DiskGB:   40,
		Image:    "local:vztmpl/debian-12-standard.tar.zst",
	})
	assert.NoError(t, err)

	assert.Equal(t, "local-lvm:40", f.lastForm.Get("rootfs"))
	assert.Equal(t, "name=eth0,bridge=vmbr0,ip=dhcp", f.lastForm.Get("net0"))
	assert.Equal(t, "1", f.lastForm.Get("unprivileged"))
}

func TestCreateVMHonorsBridgeStorageAndOSType(t *testing.T) {
	f, server := newFakeAPI(t)
	client := tokenClient(server.URL)

	_, err := client.CreateInstance(context.Background(), proxmox.InstanceSpec{
		Name:        "farm-worker-macos",
		Node:        "pve1",
		Kind:        proxmox.KindQEMU,
		CPUCores:    4,
		MemoryMB:    8192,
		DiskGB:      80,
		Image:       "local:iso/macos-sonoma.iso",
		Bridge:      "vmbr1",
		StoragePool: "fast",
		OSType:      "other",
	})
	assert.NoError(t, err)

	assert.Equal(t, "virtio,bridge=vmbr1", f.lastForm.Get("net0"))
	assert.Equal(t, "fast:80", f.lastForm.Get("scsi0"))
	assert.Equal(t, "other", f.lastForm.Get("ostype"))
	assert.Equal(t, "ovmf", f.lastForm.Get("bios"))
	assert.Empty(t, f.lastForm.Get("tpmstate0"))
}

func TestCreateWindows11GetsTPMState(t *testing.T) {
	f, server := newFakeAPI(t)
	client := tokenClient(server.URL)

	_, err := client.CreateInstance(context.Background(), proxmox.InstanceSpec{
		Name:     "farm-worker-windows-11",
		Node:     "pve1",
		Kind:     proxmox.KindQEMU,
		CPUCores: 4,
		MemoryMB: 8192,
		DiskGB:   60,
		Image:    "local:iso/windows-11.iso",
		OSType:   "win11",
	})
	assert.NoError(t, err)

	assert.Equal(t, "win11", f.lastForm.Get("ostype"))
	assert.Equal(t, "local-lvm:1,version=v2.0", f.lastForm.Get("tpmstate0"))
	assert.Equal(t, "q35", f.lastForm.Get("machine"))
}

func TestDownloadImage(t *testing.T) {
	f, server := newFakeAPI(t)
	client := tokenClient(server.URL)

	err := client.DownloadImage(context.Background(), "pve1", "local", proxmox.ImageDownload{
		URL:      "http://download.proxmox.com/images/system/debian-12-standard_12.7-1_amd64.tar.zst",
		Filename: "debian-12-standard_12.7-1_amd64.tar.zst",
		Content:  "vztmpl",
	})
	assert.NoError(t, err)

	assert.Equal(t, "vztmpl", f.lastForm.Get("content"))
	assert.Equal(t, "debian-12-standard_12.7-1_amd64.tar.zst", f.lastForm.Get("filename"))
	assert.NotZero(t, f.taskPolled)
}

func TestTicketAuthSharedAcrossGoroutines(t *testing.T) {
	f, server := newFakeAPI(t)
	client := proxmox.NewClient(proxmox.Config{
		Endpoint: server.URL,
		Username: "root@pam",
		Password: "hunter2",
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			version, err := client.Version(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "8.2.4", version)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.ticketsIssued)
}

func TestWaitReadyTimeout(t *testing.T) {
	_, server := newFakeAPI(t)
	client := tokenClient(server.URL)

	handle := proxmox.InstanceHandle{VMID: 105, Node: "pve1", Name: "farm-worker-debian", Kind: proxmox.KindLXC}
	err := client.WaitReady(context.Background(), handle, 50*time.Millisecond)
	assert.Error(t, err)
	assert.True(t, fault.IsTimeout(err))
}
