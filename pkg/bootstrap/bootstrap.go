// Package bootstrap renders the guest-side scripts that run inside
// freshly provisioned instances: credential injection, shared-storage
// mounts and runner registration.
package bootstrap

import (
	"fmt"

	"github.com/aymerick/raymond"
)

// TemplateVariables is the context a script template is rendered with.
type TemplateVariables map[string]interface{}

const linuxUserScript = `#!/bin/sh
set -eu
useradd -m -s /bin/bash {{{username}}} || true
mkdir -p /home/{{{username}}}/.ssh
cat >> /home/{{{username}}}/.ssh/authorized_keys <<'KEY'
{{{publicKey}}}
KEY
chown -R {{{username}}}:{{{username}}} /home/{{{username}}}/.ssh
chmod 700 /home/{{{username}}}/.ssh
chmod 600 /home/{{{username}}}/.ssh/authorized_keys
usermod -aG sudo {{{username}}} || usermod -aG wheel {{{username}}} || true
`

const windowsUserScript = `$password = ConvertTo-SecureString "{{{password}}}" -AsPlainText -Force
New-LocalUser -Name "{{{username}}}" -Password $password -PasswordNeverExpires
Add-LocalGroupMember -Group "Administrators" -Member "{{{username}}}"
`

const nfsMountScript = `#!/bin/sh
set -eu
mkdir -p {{{mountPath}}}
grep -q "{{{server}}}:{{{export}}}" /etc/fstab || \
  echo "{{{server}}}:{{{export}}} {{{mountPath}}} nfs defaults,_netdev 0 0" >> /etc/fstab
mount {{{mountPath}}}
`

const smbMountScript = `#!/bin/sh
set -eu
mkdir -p {{{mountPath}}}
cat > /etc/cifs-credentials <<'EOF'
username={{{username}}}
password={{{password}}}
EOF
chmod 600 /etc/cifs-credentials
grep -q "//{{{server}}}/{{{share}}}" /etc/fstab || \
  echo "//{{{server}}}/{{{share}}} {{{mountPath}}} cifs credentials=/etc/cifs-credentials,_netdev 0 0" >> /etc/fstab
mount {{{mountPath}}}
`

const registerScript = `#!/bin/sh
set -eu
gitlab-runner register \
  --non-interactive \
  --url "{{{serverURL}}}" \
  --registration-token "{{{token}}}" \
  --executor shell \
  --name "{{{runnerName}}}" \
  --tag-list "{{{tags}}}"
`

// RenderLinuxUser renders the script that creates the build user and
// injects the SSH public key on a Linux guest.
func RenderLinuxUser(username, publicKey string) (string, error) {
	return render(linuxUserScript, TemplateVariables{
		"username":  username,
		"publicKey": publicKey,
	})
}

// RenderWindowsUser renders the PowerShell snippet that creates a local
// administrator on a Windows guest.
func RenderWindowsUser(username, password string) (string, error) {
	return render(windowsUserScript, TemplateVariables{
		"username": username,
		"password": password,
	})
}

// RenderNFSMount renders the persistent NFS mount script.
func RenderNFSMount(server, export, mountPath string) (string, error) {
	return render(nfsMountScript, TemplateVariables{
		"server":    server,
		"export":    export,
		"mountPath": mountPath,
	})
}

// RenderSMBMount renders the persistent authenticated-share mount script.
func RenderSMBMount(server, share, username, password, mountPath string) (string, error) {
	return render(smbMountScript, TemplateVariables{
		"server":    server,
		"share":     share,
		"username":  username,
		"password":  password,
		"mountPath": mountPath,
	})
}

// RenderRegister renders the runner registration command for a worker.
func RenderRegister(serverURL, token, runnerName string, tags string) (string, error) {
	return render(registerScript, TemplateVariables{
		"serverURL":  serverURL,
		"token":      token,
		"runnerName": runnerName,
		"tags":       tags,
	})
}

func render(source string, vars TemplateVariables) (string, error) {
	template, err := raymond.Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse script template: %s", err)
	}
	output, err := template.Exec(vars)
	if err != nil {
		return "", fmt.Errorf("execute script template: %s", err)
	}
	return output, nil
}
