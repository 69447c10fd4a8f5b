package tool_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildforever/farm/pkg/tool"
)

func TestExecRunnerSuccess(t *testing.T) {
	runner := &tool.ExecRunner{}
	result, err := runner.Run(context.Background(), tool.Invocation{
		Command: "sh",
		Args:    []string{"-c", "echo provisioned"},
	})
	assert.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "provisioned\n", result.Output)
}

func TestExecRunnerNonZeroExitIsNotAnError(t *testing.T) {
	runner := &tool.ExecRunner{}
	result, err := runner.Run(context.Background(), tool.Invocation{
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	})
	assert.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Output, "boom")
}

func TestExecRunnerMissingBinary(t *testing.T) {
	runner := &tool.ExecRunner{}
	_, err := runner.Run(context.Background(), tool.Invocation{
		Command: "definitely-not-a-tool-on-path",
	})
	assert.Error(t, err)
}

func TestExecRunnerOutputTruncatedKeepsTail(t *testing.T) {
	runner := &tool.ExecRunner{}
	result, err := runner.Run(context.Background(), tool.Invocation{
		Command: "sh",
		Args:    []string{"-c", `i=0; while [ $i -lt 3000 ]; do echo "line $i padding padding padding padding"; i=$((i+1)); done; echo FINAL-ERROR-SUMMARY`},
	})
	assert.NoError(t, err)
	assert.Contains(t, result.Output, "truncated")
	assert.Contains(t, result.Output, "FINAL-ERROR-SUMMARY")
	assert.True(t, len(result.Output) < 70*1024)
}

type recordingRunner struct {
	invocations []tool.Invocation
	result      tool.Result
}

func (r *recordingRunner) Run(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
	r.invocations = append(r.invocations, inv)
	return r.result, nil
}

func TestTerraformLifecycle(t *testing.T) {
	runner := &recordingRunner{}
	tf := tool.NewTerraform(runner, "/deploy/terraform")

	_, err := tf.Init(context.Background())
	assert.NoError(t, err)
	_, err = tf.Plan(context.Background(), map[string]string{
		"domain":       "farm.example.com",
		"admin_email":  "ops@example.com",
		"worker_count": "2",
	})
	assert.NoError(t, err)
	_, err = tf.Apply(context.Background())
	assert.NoError(t, err)

	assert.Len(t, runner.invocations, 3)
	assert.Equal(t, "init", runner.invocations[0].Args[0])
	assert.Equal(t, "/deploy/terraform", runner.invocations[0].Dir)

	planArgs := strings.Join(runner.invocations[1].Args, " ")
	assert.Contains(t, planArgs, "-out=tfplan")
	// deterministic variable order
	assert.True(t, strings.Index(planArgs, "admin_email") < strings.Index(planArgs, "domain"))
	assert.True(t, strings.Index(planArgs, "domain") < strings.Index(planArgs, "worker_count"))

	applyArgs := strings.Join(runner.invocations[2].Args, " ")
	assert.Contains(t, applyArgs, "tfplan")
	assert.NotContains(t, applyArgs, "-var")
}

func TestAnsibleApplyWritesVarsFile(t *testing.T) {
	runner := &recordingRunner{}
	ansible := tool.NewAnsible(runner, "/deploy/ansible", "hosts.ini")

	_, err := ansible.Apply(context.Background(), "register-worker.yml", map[string]interface{}{
		"runner_name": "farm-worker-debian",
		"tags":        []string{"linux", "debian"},
	})
	assert.NoError(t, err)

	assert.Len(t, runner.invocations, 1)
	inv := runner.invocations[0]
	assert.Equal(t, "ansible-playbook", inv.Command)
	assert.Equal(t, "register-worker.yml", inv.Args[0])
	args := strings.Join(inv.Args, " ")
	assert.Contains(t, args, "-i hosts.ini")
	assert.Contains(t, args, "--extra-vars @")
}
