package profile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildforever/farm/pkg/profile"
)

func TestGet(t *testing.T) {
	p, err := profile.Get("debian")
	assert.NoError(t, err)
	assert.Equal(t, profile.PlatformLinux, p.Platform)
	assert.Equal(t, profile.KindContainer, p.Kind)
	assert.Equal(t, 2, p.Shape.CPUCores)

	_, err = profile.Get("temple-os")
	assert.Error(t, err)
}

func TestAllSorted(t *testing.T) {
	profiles := profile.All()
	assert.Len(t, profiles, 9)
	for i := 1; i < len(profiles); i++ {
		assert.True(t, profiles[i-1].ID < profiles[i].ID)
	}
}

func TestAggregateShape(t *testing.T) {
	// one debian worker, one windows-11 worker, plus a new central server
	debian, err := profile.Get("debian")
	assert.NoError(t, err)
	win, err := profile.Get("windows-11")
	assert.NoError(t, err)

	total := debian.Shape.Add(win.Shape).Add(profile.CentralServerShape)
	assert.Equal(t, 10, total.CPUCores)
	assert.Equal(t, 20, total.MemoryGB)
	assert.Equal(t, 150, total.StorageGB)
}
