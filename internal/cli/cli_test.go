package cli

import (
	"context"
	"testing"

	"github.com/ignatij/sagaflow/internal/flows"
	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("db", "", "")
	cmd.Flags().String("config", "", "")
	cmd.Flags().Bool("memory", false, "")
	for name, value := range flags {
		require.NoError(t, cmd.Flags().Set(name, value))
	}
	return cmd
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))

	runErr := &service.RunError{RunID: "run_1", Status: models.CompensatedRunStatus, Cause: errors.New("boom")}
	assert.Equal(t, 2, exitCode(runErr))
	assert.Equal(t, 2, exitCode(errors.Wrap(runErr, "await")))
}

func TestSetupReturnsErrors(t *testing.T) {
	cmd := newCommand(t, map[string]string{"config": "/nonexistent/sagaflow.yaml"})

	a, err := setup(cmd, false)
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestFailedRunIsReturned(t *testing.T) {
	t.Setenv("SAGAFLOW_CONFIG", "")
	cmd := newCommand(t, map[string]string{"memory": "true"})

	a, err := setup(cmd, true)
	require.NoError(t, err)
	defer a.Close()

	err = runWorkflow(context.Background(), a, flows.InitiateReturnWorkflow, `{"order_id":"order_missing"}`)
	require.Error(t, err)
	var runErr *service.RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, 2, exitCode(err))

	err = runWorkflow(context.Background(), a, "unknown-workflow", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrWorkflowNotRegistered))
	assert.Equal(t, 1, exitCode(err))
}
