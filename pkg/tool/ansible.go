package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Ansible runs one playbook as a single apply phase. Variables are
// written to a JSON extra-vars file so values with shell metacharacters
// survive intact.
type Ansible struct {
	Runner    Runner
	Dir       string
	Command   string
	Inventory string
}

func NewAnsible(runner Runner, dir, inventory string) *Ansible {
	return &Ansible{Runner: runner, Dir: dir, Command: "ansible-playbook", Inventory: inventory}
}

func (a *Ansible) Apply(ctx context.Context, playbook string, vars map[string]interface{}) (Result, error) {
	varsFile, err := writeVarsFile(vars)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(varsFile)

	args := []string{playbook}
	if a.Inventory != "" {
		args = append(args, "-i", a.Inventory)
	}
	args = append(args, "--extra-vars", "@"+varsFile)

	return a.Runner.Run(ctx, Invocation{
		Command: a.Command,
		Args:    args,
		Dir:     a.Dir,
	})
}

func writeVarsFile(vars map[string]interface{}) (string, error) {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode extra vars: %w", err)
	}

	f, err := os.CreateTemp("", "farm-vars-*.json")
	if err != nil {
		return "", fmt.Errorf("create extra vars file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write extra vars file: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}
