package rollback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/safedeploy/internal/backup"
	"github.com/kebairia/safedeploy/internal/deploy"
	"github.com/kebairia/safedeploy/internal/executor"
	"github.com/kebairia/safedeploy/internal/health"
)

type stubProbe struct {
	quick bool
	err   error
	calls *int
}

func (p stubProbe) Name() string { return "web" }
func (p stubProbe) Quick() bool  { return p.quick }
func (p stubProbe) Check(context.Context) error {
	*p.calls++
	return p.err
}

type env struct {
	project string
	envFile string
	exec    *executor.Fake
	store   *backup.Store
	runner  *deploy.Runner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	project := t.TempDir()
	e := &env{
		project: project,
		envFile: filepath.Join(project, ".env"),
		exec:    &executor.Fake{},
	}
	e.runner = deploy.NewRunner(deploy.Config{
		Entrypoint:   "./deploy.sh",
		StandardArgs: []string{"dev"},
		StopCommand:  []string{"docker", "compose", "down"},
		StopTimeout:  time.Minute,
	}, e.exec, nil, nil)
	e.store = backup.NewStore(backup.Options{
		Root:    filepath.Join(project, "backups"),
		Files:   []string{e.envFile},
		DataDir: filepath.Join(project, "data"),
		Codec:   backup.CodecZstd,
	}, e.exec, backup.WithStopper(e.runner))
	return e
}

func (e *env) writeLive(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(e.envFile, []byte(content), 0o600))
}

func (e *env) readLive(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(e.envFile)
	require.NoError(t, err)
	return string(data)
}

func TestRollback_NoBackupRequiresManualIntervention(t *testing.T) {
	e := newEnv(t)
	e.writeLive(t, "LIVE=1\n")
	calls := 0
	checker := health.NewChecker([]health.Probe{stubProbe{calls: &calls}}, time.Second, nil)

	res := NewController(e.store, e.runner, checker, Options{}, nil).Rollback(context.Background(), "auto")

	assert.False(t, res.Success)
	assert.True(t, res.ManualIntervention)
	assert.Equal(t, StageLookup, res.FailedStage)
	assert.ErrorIs(t, res.Err, ErrNoBackup)
	assert.Empty(t, e.exec.Calls(), "nothing is stopped or deployed")
	assert.Zero(t, calls)
	assert.Equal(t, "LIVE=1\n", e.readLive(t))
	assert.Nil(t, res.Deploy)
}

func TestRollback_RestoresRedeploysAndQuickVerifies(t *testing.T) {
	for _, drift := range []string{"LIVE=2\n", "", "COMPLETELY=different\nMORE=lines\n"} {
		e := newEnv(t)
		e.writeLive(t, "GOOD=1\n")
		rec, err := e.store.Create(context.Background())
		require.NoError(t, err)
		e.writeLive(t, drift)

		calls := 0
		checker := health.NewChecker([]health.Probe{stubProbe{quick: true, calls: &calls}}, time.Second, nil)
		c := NewController(e.store, e.runner, checker, Options{DeployTimeout: 7 * time.Minute}, nil)

		res := c.Rollback(context.Background(), "")
		require.True(t, res.Success, res.Error)
		assert.Equal(t, rec.ID, res.BackupID)
		assert.False(t, res.ManualIntervention)
		assert.Equal(t, "GOOD=1\n", e.readLive(t))

		deploys := e.exec.CallsTo("./deploy.sh")
		require.Len(t, deploys, 1)
		assert.Equal(t, []string{"dev"}, deploys[0].Args, "rollback always redeploys in standard mode")
		assert.Equal(t, 7*time.Minute, deploys[0].Timeout)
		require.NotNil(t, res.Health)
		assert.True(t, res.Health.Quick)
		assert.Equal(t, 1, calls)
	}
}

func TestRollback_ExplicitTarget(t *testing.T) {
	e := newEnv(t)
	e.writeLive(t, "V=1\n")
	first, err := e.store.Create(context.Background())
	require.NoError(t, err)
	e.writeLive(t, "V=2\n")
	_, err = e.store.Create(context.Background())
	require.NoError(t, err)

	calls := 0
	checker := health.NewChecker([]health.Probe{stubProbe{calls: &calls}}, time.Second, nil)
	res := NewController(e.store, e.runner, checker, Options{}, nil).Rollback(context.Background(), first.ID)
	require.True(t, res.Success)
	assert.Equal(t, "V=1\n", e.readLive(t))

	res = NewController(e.store, e.runner, checker, Options{}, nil).Rollback(context.Background(), "20000101T000000.000000000Z")
	assert.ErrorIs(t, res.Err, ErrNoBackup)
}

func TestRollback_FailedStages(t *testing.T) {
	t.Run("redeploy fails", func(t *testing.T) {
		e := newEnv(t)
		e.writeLive(t, "GOOD=1\n")
		_, err := e.store.Create(context.Background())
		require.NoError(t, err)
		e.exec.RunFunc = func(_ context.Context, cmd executor.Command) executor.Result {
			if cmd.Name == "./deploy.sh" {
				return executor.Failed(cmd, 1, "boom")
			}
			return executor.Result{}
		}
		calls := 0
		checker := health.NewChecker([]health.Probe{stubProbe{calls: &calls}}, time.Second, nil)

		res := NewController(e.store, e.runner, checker, Options{}, nil).Rollback(context.Background(), "latest")
		assert.False(t, res.Success)
		assert.True(t, res.ManualIntervention)
		assert.Equal(t, StageDeploy, res.FailedStage)
		assert.ErrorIs(t, res.Err, ErrRollbackFailed)
		assert.ErrorIs(t, res.Err, deploy.ErrDeployFailed)
		assert.Zero(t, calls, "no verification after a failed redeploy")
		assert.Equal(t, "GOOD=1\n", e.readLive(t), "restore still happened")
	})

	t.Run("quick verify fails", func(t *testing.T) {
		e := newEnv(t)
		e.writeLive(t, "GOOD=1\n")
		_, err := e.store.Create(context.Background())
		require.NoError(t, err)
		calls := 0
		checker := health.NewChecker([]health.Probe{stubProbe{quick: true, err: errors.New("503"), calls: &calls}}, time.Second, nil)

		res := NewController(e.store, e.runner, checker, Options{}, nil).Rollback(context.Background(), "")
		assert.Equal(t, StageVerify, res.FailedStage)
		assert.ErrorIs(t, res.Err, ErrRollbackFailed)
		assert.ErrorIs(t, res.Err, health.ErrUnhealthy)
		assert.Len(t, e.exec.CallsTo("./deploy.sh"), 1, "exactly one redeploy")
	})

	t.Run("restore fails on a corrupted record", func(t *testing.T) {
		e := newEnv(t)
		e.writeLive(t, "GOOD=1\n")
		rec, err := e.store.Create(context.Background())
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(rec.Dir(), backup.FilesDirname, ".env"), []byte("X"), 0o600))
		calls := 0
		checker := health.NewChecker([]health.Probe{stubProbe{calls: &calls}}, time.Second, nil)

		res := NewController(e.store, e.runner, checker, Options{}, nil).Rollback(context.Background(), "")
		assert.Equal(t, StageRestore, res.FailedStage)
		assert.ErrorIs(t, res.Err, backup.ErrChecksumMismatch)
		assert.Empty(t, e.exec.CallsTo("./deploy.sh"))
	})
}
