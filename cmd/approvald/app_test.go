package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/model"
)

const actorsFile = "../../internal/directory/testdata/actors.yaml"

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Identity.Issuer = "https://issuer.test"
	cfg.Directory.File = actorsFile
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(t.Context(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.shutdown(ctx)
	})
	return a
}

func createAndApprove(t *testing.T, a *app) model.Workflow {
	t.Helper()
	ctx := t.Context()
	detail, err := a.orchestrator.CreateWorkflow(ctx, model.CreateWorkflowRequest{
		Kind:        model.KindTrainingApproval,
		Title:       "Confined space refresher",
		RequesterID: "u-requester",
		Approvers:   []model.ApproverSpec{{ApproverID: "u-supervisor", StepName: "Supervisor"}},
	})
	require.NoError(t, err)

	wf, err := a.orchestrator.Decide(ctx, detail.Steps[0].ID, "u-supervisor", model.DecisionApproved, "ok")
	require.NoError(t, err)
	return wf
}

func TestNewApp_memory(t *testing.T) {
	a := newTestApp(t, testConfig())

	wf := createAndApprove(t, a)
	assert.Equal(t, model.WorkflowStatusApproved, wf.Status)

	checks := a.readiness()
	assert.True(t, checks.PolicyLoaded())
	assert.True(t, checks.DirectoryLoaded())
	assert.NoError(t, checks.WorkflowStore.HealthCheck(t.Context()))
	assert.Nil(t, checks.Redis)

	assert.NoError(t, a.reload())
	assert.NotNil(t, a.idempotency)
	assert.NotNil(t, a.sessions)
}

func TestNewApp_sqliteAutoMigrate(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.DSN = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.Join(t.TempDir(), "approvals.db"))
	cfg.Store.AutoMigrate = true

	a := newTestApp(t, cfg)
	wf := createAndApprove(t, a)

	detail, err := a.orchestrator.WorkflowHistory(t.Context(), wf.ID)
	require.NoError(t, err)
	require.Len(t, detail.History, 1)
	assert.Equal(t, "u-supervisor", detail.History[0].ActorID)
}

func TestNewApp_redisBacked(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Notify.Sinks = []string{config.SinkLog, config.SinkRedis}
	cfg.Idempotency.Driver = "redis"
	cfg.Session.Driver = "redis"

	a := newTestApp(t, cfg)
	require.NotNil(t, a.redis)

	sub, err := a.redisSink().Subscribe(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	wf := createAndApprove(t, a)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, model.EventWorkflowApproved, evt.EventType)
		assert.Equal(t, wf.ID, evt.WorkflowID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event published to redis")
	}

	checks := a.readiness()
	require.NotNil(t, checks.Redis)
	assert.NoError(t, checks.Redis.HealthCheck(t.Context()))

	require.NoError(t, a.sessions.Revoke(t.Context(), "tok-1", time.Now().Add(time.Hour)))
	revoked, err := a.sessions.IsRevoked(t.Context(), "tok-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestNewApp_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"unknown driver", func(cfg *config.Config) { cfg.Store.Driver = "oracle" }},
		{"missing directory", func(cfg *config.Config) { cfg.Directory.File = "testdata/none.yaml" }},
		{"missing policy", func(cfg *config.Config) { cfg.Capability.StaticPolicyFile = "testdata/none.yaml" }},
		{"unknown sink", func(cfg *config.Config) { cfg.Notify.Sinks = []string{"smtp"} }},
		{"redis down", func(cfg *config.Config) {
			cfg.Session.Driver = "redis"
			cfg.Redis.Addr = "127.0.0.1:1"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := newApp(t.Context(), cfg, zap.NewNop(), nil)
			assert.Error(t, err)
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	viper.Set("log-level", "debug")
	viper.Set("port", 9191)
	t.Cleanup(viper.Reset)

	cfg := testConfig()
	applyFlagOverrides(cfg)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(nil))
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-01T08:00:00Z", formatTime(&ts))
	assert.Equal(t, "u-1", displayName(model.ActorSummary{ID: "u-1"}))
	assert.Equal(t, "Una", displayName(model.ActorSummary{ID: "u-1", Name: "Una"}))
}
