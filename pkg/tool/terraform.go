package tool

import (
	"context"
	"fmt"
	"sort"
)

const planArtifact = "tfplan"

// Terraform drives the three-phase infrastructure tool lifecycle in a
// fixed working directory. Init must run before the first Plan, and the
// plan artifact is passed unchanged to Apply.
type Terraform struct {
	Runner  Runner
	Dir     string
	Command string
}

func NewTerraform(runner Runner, dir string) *Terraform {
	return &Terraform{Runner: runner, Dir: dir, Command: "terraform"}
}

func (t *Terraform) Init(ctx context.Context) (Result, error) {
	return t.Runner.Run(ctx, Invocation{
		Command: t.Command,
		Args:    []string{"init", "-input=false", "-no-color"},
		Dir:     t.Dir,
	})
}

func (t *Terraform) Plan(ctx context.Context, vars map[string]string) (Result, error) {
	args := []string{"plan", "-input=false", "-no-color", "-out=" + planArtifact}
	args = append(args, varArgs(vars)...)
	return t.Runner.Run(ctx, Invocation{
		Command: t.Command,
		Args:    args,
		Dir:     t.Dir,
	})
}

// Apply consumes the artifact produced by the preceding Plan. Variable
// values are baked into the artifact, so none are passed here.
func (t *Terraform) Apply(ctx context.Context) (Result, error) {
	return t.Runner.Run(ctx, Invocation{
		Command: t.Command,
		Args:    []string{"apply", "-input=false", "-no-color", "-auto-approve", planArtifact},
		Dir:     t.Dir,
	})
}

// varArgs renders a variable map as -var flags in deterministic order.
func varArgs(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("-var=%s=%s", k, vars[k]))
	}
	return args
}
