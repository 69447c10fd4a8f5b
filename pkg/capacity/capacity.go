// Package capacity classifies a deployment's resource footprint against
// the free capacity reported by a hypervisor node. The classification is
// advisory; it never blocks a deployment on its own.
package capacity

import (
	"fmt"

	"github.com/buildforever/farm/pkg/profile"
)

type Verdict string

const (
	// VerdictOK means the deployment fits with comfortable headroom.
	VerdictOK Verdict = "OK"
	// VerdictTight means the deployment fits but leaves little headroom.
	VerdictTight Verdict = "TIGHT"
	// VerdictOver means the deployment does not fit in free capacity.
	VerdictOver Verdict = "OVER"
)

// headroomFactor is the fraction of free capacity a deployment may consume
// and still be considered comfortable. At exactly this fraction the verdict
// is already TIGHT.
const headroomFactor = 0.7

// Availability is the free capacity of a single hypervisor node.
// Non-positive values mean the node reported nothing usable for that
// dimension.
type Availability struct {
	CPUCores  float64
	MemoryGB  float64
	StorageGB float64
}

// Report is the outcome of a capacity check, one verdict per resource
// dimension plus the overall worst case.
type Report struct {
	Overall Verdict
	CPU     Verdict
	Memory  Verdict
	Storage Verdict
}

func (r Report) String() string {
	return fmt.Sprintf("%s (cpu=%s memory=%s storage=%s)", r.Overall, r.CPU, r.Memory, r.Storage)
}

// Check classifies the required shape against available capacity.
// Any dimension with unknown or malformed availability is classified OVER,
// never silently passed.
func Check(required profile.Shape, available Availability) Report {
	report := Report{
		CPU:     classify(float64(required.CPUCores), available.CPUCores),
		Memory:  classify(float64(required.MemoryGB), available.MemoryGB),
		Storage: classify(float64(required.StorageGB), available.StorageGB),
	}
	report.Overall = worst(report.CPU, report.Memory, report.Storage)
	return report
}

func classify(required, available float64) Verdict {
	if available <= 0 {
		return VerdictOver
	}
	switch {
	case required < headroomFactor*available:
		return VerdictOK
	case required <= available:
		return VerdictTight
	default:
		return VerdictOver
	}
}

func worst(verdicts ...Verdict) Verdict {
	overall := VerdictOK
	for _, v := range verdicts {
		switch v {
		case VerdictOver:
			return VerdictOver
		case VerdictTight:
			overall = VerdictTight
		}
	}
	return overall
}
