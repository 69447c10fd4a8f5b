package bootstrap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildforever/farm/pkg/bootstrap"
)

func TestRenderLinuxUser(t *testing.T) {
	script, err := bootstrap.RenderLinuxUser("builder", "ssh-ed25519 AAAA... builder@farm")
	assert.NoError(t, err)
	assert.Contains(t, script, "useradd -m -s /bin/bash builder")
	assert.Contains(t, script, "ssh-ed25519 AAAA... builder@farm")
	assert.Contains(t, script, "chmod 600 /home/builder/.ssh/authorized_keys")
}

func TestRenderWindowsUserKeepsSpecialCharacters(t *testing.T) {
	script, err := bootstrap.RenderWindowsUser("builder", `p4ss&<word>"`)
	assert.NoError(t, err)
	assert.Contains(t, script, `p4ss&<word>"`)
}

func TestRenderNFSMount(t *testing.T) {
	script, err := bootstrap.RenderNFSMount("10.0.0.5", "/srv/builds", "/mnt/builds")
	assert.NoError(t, err)
	assert.Contains(t, script, "10.0.0.5:/srv/builds /mnt/builds nfs")
	assert.Contains(t, script, "mount /mnt/builds")
}

func TestRenderSMBMount(t *testing.T) {
	script, err := bootstrap.RenderSMBMount("fileserver", "builds", "svc", "hunter2", "/mnt/shared")
	assert.NoError(t, err)
	assert.Contains(t, script, "//fileserver/builds /mnt/shared cifs")
	assert.Contains(t, script, "password=hunter2")
}

func TestRenderRegister(t *testing.T) {
	script, err := bootstrap.RenderRegister("https://gitlab.example.com", "glrt-token", "farm-worker-debian", "linux,debian")
	assert.NoError(t, err)
	assert.Contains(t, script, `--url "https://gitlab.example.com"`)
	assert.Contains(t, script, `--tag-list "linux,debian"`)
}
