package proxmox

import (
	"context"
	"sync"
	"time"
)

// Mock is an in-memory Client for tests. Behavior is steered through
// the error fields; created instances are recorded for assertions.
type Mock struct {
	lock sync.Mutex

	VersionString string
	Capacity      map[string]NodeCapacity
	Images        []BootImage

	VersionErr  error
	CapacityErr error
	ImagesErr   error
	DownloadErr error
	CreateErr   map[string]error
	WaitErr     map[string]error

	Created    []InstanceSpec
	Downloaded []ImageDownload
	nextVMID   int
}

var _ Client = &Mock{}

func NewMock() *Mock {
	return &Mock{
		VersionString: "8.2.4",
		Capacity:      map[string]NodeCapacity{},
		CreateErr:     map[string]error{},
		WaitErr:       map[string]error{},
		nextVMID:      100,
	}
}

func (m *Mock) Version(ctx context.Context) (string, error) {
	if m.VersionErr != nil {
		return "", m.VersionErr
	}
	return m.VersionString, nil
}

func (m *Mock) QueryCapacity(ctx context.Context, node string) (NodeCapacity, error) {
	if m.CapacityErr != nil {
		return NodeCapacity{}, m.CapacityErr
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.Capacity[node], nil
}

func (m *Mock) ListBootImages(ctx context.Context, node, storage string) ([]BootImage, error) {
	if m.ImagesErr != nil {
		return nil, m.ImagesErr
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]BootImage{}, m.Images...), nil
}

func (m *Mock) DownloadImage(ctx context.Context, node, storage string, download ImageDownload) error {
	if m.DownloadErr != nil {
		return m.DownloadErr
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.Downloaded = append(m.Downloaded, download)
	m.Images = append(m.Images, BootImage{
		VolID:   storage + ":" + download.Content + "/" + download.Filename,
		Content: download.Content,
	})
	return nil
}

func (m *Mock) CreateInstance(ctx context.Context, spec InstanceSpec) (InstanceHandle, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.CreateErr[spec.Name]; err != nil {
		return InstanceHandle{}, err
	}

	for i, existing := range m.Created {
		if existing.Name == spec.Name {
			return InstanceHandle{VMID: 100 + i, Node: spec.Node, Name: spec.Name, Kind: spec.Kind}, nil
		}
	}

	vmid := m.nextVMID
	m.nextVMID++
	m.Created = append(m.Created, spec)
	return InstanceHandle{VMID: vmid, Node: spec.Node, Name: spec.Name, Kind: spec.Kind, Created: true}, nil
}

func (m *Mock) WaitReady(ctx context.Context, handle InstanceHandle, deadline time.Duration) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.WaitErr[handle.Name]
}

// CreatedNames returns the names of all instances created so far.
func (m *Mock) CreatedNames() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	names := make([]string, len(m.Created))
	for i, spec := range m.Created {
		names[i] = spec.Name
	}
	return names
}
