// Package proxmox talks to a Proxmox VE cluster over its REST API.
// The Client interface covers exactly the operations the orchestrator
// needs; RealClient implements it against a live cluster and Mock
// implements it for tests.
package proxmox

import (
	"context"
	"time"
)

// NodeCapacity is the free capacity reported by a hypervisor node.
type NodeCapacity struct {
	Node           string
	CPUCores       float64
	MemoryFreeGB   float64
	StorageFreeGB  float64
	CPUUtilization float64
}

// BootImage is an installable template or ISO present on node storage.
type BootImage struct {
	VolID   string
	Format  string
	Content string
	SizeGB  float64
}

// InstanceKind selects the Proxmox guest type.
type InstanceKind string

const (
	KindLXC  InstanceKind = "lxc"
	KindQEMU InstanceKind = "qemu"
)

// InstanceSpec describes one guest to create. Name doubles as the
// idempotency key: creating a spec whose name already exists on the
// node returns the existing instance instead of a duplicate.
type InstanceSpec struct {
	Name         string
	Node         string
	Kind         InstanceKind
	CPUCores     int
	MemoryMB     int
	DiskGB       int
	Image        string
	SSHPublicKey string
	Password     string
	Tags         []string

	// Bridge and StoragePool fall back to vmbr0 and local-lvm when
	// empty. OSType is the QEMU guest OS hint; empty means l26.
	Bridge      string
	StoragePool string
	OSType      string
}

// ImageDownload asks a node to fetch a boot image over HTTP into one
// of its storages. Content is the Proxmox content type, vztmpl or iso.
type ImageDownload struct {
	URL      string
	Filename string
	Content  string
}

// InstanceHandle identifies a created guest.
type InstanceHandle struct {
	VMID    int
	Node    string
	Name    string
	Kind    InstanceKind
	Created bool
}

// Client is the hypervisor session used by the orchestrator.
//
// QueryCapacity and ListBootImages are idempotent reads and may be
// retried by the implementation. CreateInstance is never retried:
// a transport failure after the request was issued could otherwise
// create duplicate guests.
type Client interface {
	// Version probes the endpoint and returns the cluster version
	// string. Used as the session connectivity check.
	Version(ctx context.Context) (string, error)

	QueryCapacity(ctx context.Context, node string) (NodeCapacity, error)
	ListBootImages(ctx context.Context, node, storage string) ([]BootImage, error)

	CreateInstance(ctx context.Context, spec InstanceSpec) (InstanceHandle, error)

	// DownloadImage fetches a boot image onto node storage and blocks
	// until the transfer task finishes.
	DownloadImage(ctx context.Context, node, storage string, download ImageDownload) error

	// WaitReady blocks until the guest is running or the deadline
	// passes. Polling interval and attempt cap are implementation
	// details; exceeding the deadline returns a timeout fault.
	WaitReady(ctx context.Context, handle InstanceHandle, deadline time.Duration) error
}
