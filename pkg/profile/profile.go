// Package profile defines the fixed catalog of worker profiles that can be
// provisioned as build-farm members, together with their resource shapes.
package profile

import (
	"fmt"
	"sort"
)

type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
)

// InstanceKind selects the virtualization primitive used for the profile.
type InstanceKind string

const (
	KindVM        InstanceKind = "vm"
	KindContainer InstanceKind = "container"
)

// Shape is the fixed resource requirement of one compute instance.
type Shape struct {
	CPUCores  int
	MemoryGB  int
	StorageGB int
}

func (s Shape) Add(other Shape) Shape {
	return Shape{
		CPUCores:  s.CPUCores + other.CPUCores,
		MemoryGB:  s.MemoryGB + other.MemoryGB,
		StorageGB: s.StorageGB + other.StorageGB,
	}
}

func (s Shape) String() string {
	return fmt.Sprintf("%d cores, %d GB memory, %d GB storage", s.CPUCores, s.MemoryGB, s.StorageGB)
}

// Profile is one entry of the worker catalog.
type Profile struct {
	ID       string
	Name     string
	Platform Platform
	Kind     InstanceKind
	Tags     []string
	Shape    Shape

	// OSType is the hypervisor guest OS hint for VM profiles. Windows 11
	// and Server 2025 need win11 for the TPM requirement; macOS runs as
	// "other". Empty for containers.
	OSType string

	// TemplateURL and TemplateFile point at a downloadable container
	// template for profiles whose boot image can be fetched on demand.
	// VM profiles have none; their installation media is license-gated
	// and must be present on storage already.
	TemplateURL  string
	TemplateFile string
}

// CentralServerShape is the baseline requirement of a newly deployed
// central server instance.
var CentralServerShape = Shape{CPUCores: 4, MemoryGB: 8, StorageGB: 50}

var catalog = map[string]Profile{
	"windows-10": {
		ID:       "windows-10",
		Name:     "Windows 10",
		Platform: PlatformWindows,
		Kind:     KindVM,
		Tags:     []string{"windows", "windows-10", "desktop"},
		Shape:    Shape{CPUCores: 4, MemoryGB: 8, StorageGB: 60},
		OSType:   "win10",
	},
	"windows-11": {
		ID:       "windows-11",
		Name:     "Windows 11",
		Platform: PlatformWindows,
		Kind:     KindVM,
		Tags:     []string{"windows", "windows-11", "desktop"},
		Shape:    Shape{CPUCores: 4, MemoryGB: 8, StorageGB: 60},
		OSType:   "win11",
	},
	"windows-server-2022": {
		ID:       "windows-server-2022",
		Name:     "Windows Server 2022",
		Platform: PlatformWindows,
		Kind:     KindVM,
		Tags:     []string{"windows", "server", "2022"},
		Shape:    Shape{CPUCores: 4, MemoryGB: 16, StorageGB: 80},
		OSType:   "win10",
	},
	"windows-server-2025": {
		ID:       "windows-server-2025",
		Name:     "Windows Server 2025",
		Platform: PlatformWindows,
		Kind:     KindVM,
		Tags:     []string{"windows", "server", "2025"},
		Shape:    Shape{CPUCores: 4, MemoryGB: 16, StorageGB: 80},
		OSType:   "win11",
	},
	"debian": {
		ID:           "debian",
		Name:         "Debian",
		Platform:     PlatformLinux,
		Kind:         KindContainer,
		Tags:         []string{"linux", "debian"},
		Shape:        Shape{CPUCores: 2, MemoryGB: 4, StorageGB: 40},
		TemplateURL:  "http://download.proxmox.com/images/system/debian-12-standard_12.7-1_amd64.tar.zst",
		TemplateFile: "debian-12-standard_12.7-1_amd64.tar.zst",
	},
	"ubuntu": {
		ID:           "ubuntu",
		Name:         "Ubuntu",
		Platform:     PlatformLinux,
		Kind:         KindContainer,
		Tags:         []string{"linux", "ubuntu"},
		Shape:        Shape{CPUCores: 2, MemoryGB: 4, StorageGB: 40},
		TemplateURL:  "http://download.proxmox.com/images/system/ubuntu-24.04-standard_24.04-2_amd64.tar.zst",
		TemplateFile: "ubuntu-24.04-standard_24.04-2_amd64.tar.zst",
	},
	"arch": {
		ID:           "arch",
		Name:         "Arch Linux",
		Platform:     PlatformLinux,
		Kind:         KindContainer,
		Tags:         []string{"linux", "arch"},
		Shape:        Shape{CPUCores: 2, MemoryGB: 4, StorageGB: 40},
		TemplateURL:  "http://download.proxmox.com/images/system/archlinux-base_20240911-1_amd64.tar.zst",
		TemplateFile: "archlinux-base_20240911-1_amd64.tar.zst",
	},
	"rocky": {
		ID:           "rocky",
		Name:         "Rocky Linux",
		Platform:     PlatformLinux,
		Kind:         KindContainer,
		Tags:         []string{"linux", "rocky", "rhel"},
		Shape:        Shape{CPUCores: 2, MemoryGB: 4, StorageGB: 40},
		TemplateURL:  "http://download.proxmox.com/images/system/rockylinux-9-default_20240912_amd64.tar.xz",
		TemplateFile: "rockylinux-9-default_20240912_amd64.tar.xz",
	},
	"macos": {
		ID:       "macos",
		Name:     "macOS",
		Platform: PlatformMacOS,
		Kind:     KindVM,
		Tags:     []string{"macos", "darwin"},
		Shape:    Shape{CPUCores: 4, MemoryGB: 8, StorageGB: 80},
		OSType:   "other",
	},
}

// Get returns the profile with the given identifier.
func Get(id string) (Profile, error) {
	p, ok := catalog[id]
	if !ok {
		return Profile{}, fmt.Errorf("unknown worker profile %q", id)
	}
	return p, nil
}

// Exists reports whether the identifier names a catalog entry.
func Exists(id string) bool {
	_, ok := catalog[id]
	return ok
}

// All returns the catalog sorted by identifier.
func All() []Profile {
	profiles := make([]Profile, 0, len(catalog))
	for _, p := range catalog {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].ID < profiles[j].ID
	})
	return profiles
}
