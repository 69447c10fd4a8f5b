package capacity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildforever/farm/pkg/capacity"
	"github.com/buildforever/farm/pkg/profile"
)

func TestCheckComfortable(t *testing.T) {
	report := capacity.Check(
		profile.Shape{CPUCores: 4, MemoryGB: 8, StorageGB: 60},
		capacity.Availability{CPUCores: 32, MemoryGB: 128, StorageGB: 1000},
	)
	assert.Equal(t, capacity.VerdictOK, report.Overall)
}

func TestCheckHeadroomBoundary(t *testing.T) {
	// exactly 70% of free capacity in every dimension
	report := capacity.Check(
		profile.Shape{CPUCores: 7, MemoryGB: 7, StorageGB: 7},
		capacity.Availability{CPUCores: 10, MemoryGB: 10, StorageGB: 10},
	)
	assert.Equal(t, capacity.VerdictTight, report.Overall)
	assert.Equal(t, capacity.VerdictTight, report.CPU)
}

func TestCheckExactFit(t *testing.T) {
	report := capacity.Check(
		profile.Shape{CPUCores: 10, MemoryGB: 10, StorageGB: 10},
		capacity.Availability{CPUCores: 10, MemoryGB: 10, StorageGB: 10},
	)
	assert.Equal(t, capacity.VerdictTight, report.Overall)
}

func TestCheckOversubscribed(t *testing.T) {
	report := capacity.Check(
		profile.Shape{CPUCores: 4, MemoryGB: 64, StorageGB: 60},
		capacity.Availability{CPUCores: 32, MemoryGB: 32, StorageGB: 1000},
	)
	assert.Equal(t, capacity.VerdictOver, report.Overall)
	assert.Equal(t, capacity.VerdictOK, report.CPU)
	assert.Equal(t, capacity.VerdictOver, report.Memory)
}

func TestCheckUnknownAvailability(t *testing.T) {
	// a node that reports zero or negative free capacity is never a pass
	report := capacity.Check(
		profile.Shape{CPUCores: 1, MemoryGB: 1, StorageGB: 1},
		capacity.Availability{CPUCores: 0, MemoryGB: -1, StorageGB: 100},
	)
	assert.Equal(t, capacity.VerdictOver, report.Overall)
	assert.Equal(t, capacity.VerdictOver, report.CPU)
	assert.Equal(t, capacity.VerdictOver, report.Memory)
	assert.Equal(t, capacity.VerdictOK, report.Storage)
}
