package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

type recordingSink struct {
	mu      sync.Mutex
	store   *repository.MemoryStore
	flushes int
	flushed []string
	err     error
}

func (s *recordingSink) Queue(ctx context.Context, n *models.Notification) error {
	return s.store.QueueNotification(ctx, n)
}

func (s *recordingSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	unsent, err := s.store.ListUnsentNotifications(ctx, 0)
	if err != nil {
		return err
	}
	for _, n := range unsent {
		s.flushed = append(s.flushed, n.Title)
		if err := s.store.MarkNotificationSent(ctx, n.ID, n.CreatedAt); err != nil {
			return err
		}
	}
	return s.err
}

type testConfig struct {
	Channel string `json:"channel" validate:"required"`
}

// scriptedFlow records which stages ran and fails where told.
type scriptedFlow struct {
	failAt  string
	panicAt string
	calls   []string
}

func (f *scriptedFlow) ContextFromWebhookData(raw []byte) (Context, error) {
	var in map[string]any
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, InvalidWebhook("body is not JSON: %v", err)
	}
	return Context(in), nil
}

func (f *scriptedFlow) step(name string) error {
	f.calls = append(f.calls, name)
	if f.panicAt == name {
		panic("boom in " + name)
	}
	if f.failAt == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (f *scriptedFlow) Extract(ctx context.Context, run *Run[testConfig], in Context) (any, error) {
	if err := run.Notify(ctx, "log://ops", "extract started", in.String("id")); err != nil {
		return nil, err
	}
	if err := f.step("extract"); err != nil {
		return nil, err
	}
	return "raw", nil
}

func (f *scriptedFlow) Transform(_ context.Context, _ *Run[testConfig], data any, _ Context) (any, error) {
	if err := f.step("transform"); err != nil {
		return nil, err
	}
	return data.(string) + "+shaped", nil
}

func (f *scriptedFlow) Load(_ context.Context, _ *Run[testConfig], data any, _ Context) (any, error) {
	if err := f.step("load"); err != nil {
		return nil, err
	}
	return data.(string) + "+loaded", nil
}

type fixture struct {
	store  *repository.MemoryStore
	sink   *recordingSink
	engine *Engine
	target Target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	sink := &recordingSink{store: store}

	tenant := &models.Tenant{Name: "Acme", Domain: "acme.test", Active: true}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	def := &models.PipelineDefinition{Name: "scripted", Version: "1"}
	require.NoError(t, store.UpsertDefinition(ctx, def))
	act := &models.Activation{TenantID: tenant.ID, PipelineID: def.ID, Active: true}
	require.NoError(t, store.CreateActivation(ctx, act))

	engine, err := NewEngine(Services{
		Configs:       store,
		Credentials:   store,
		Schedules:     store,
		Notifications: sink,
	})
	require.NoError(t, err)

	return &fixture{
		store:  store,
		sink:   sink,
		engine: engine,
		target: Target{Tenant: tenant, Activation: act, Definition: def},
	}
}

func TestEngine_Success(t *testing.T) {
	fx := newFixture(t)
	flow := &scriptedFlow{}

	out := Bind[testConfig](flow).Run(context.Background(), fx.engine, fx.target, Context{"id": "e1"})

	require.True(t, out.Succeeded(), "unexpected failure: %v", out.Err)
	assert.Equal(t, "raw+shaped+loaded", out.Result)
	assert.Empty(t, out.Stage)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, []string{"extract", "transform", "load"}, flow.calls)
	assert.Equal(t, 1, fx.sink.flushes)
}

func TestEngine_ExtractFailureSkipsLoadButNotifies(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.QueueNotification(ctx, &models.Notification{
		TenantID: fx.target.Tenant.ID, URI: "log://ops", Title: "queued earlier",
	}))
	flow := &scriptedFlow{failAt: "extract"}

	out := Bind[testConfig](flow).Run(ctx, fx.engine, fx.target, Context{"id": "e2"})

	assert.Equal(t, StatusStageFailure, out.Status)
	assert.Equal(t, StateExtracting, out.Stage)
	assert.EqualError(t, out.Err, "extract failed")
	assert.Equal(t, []string{"extract"}, flow.calls)
	assert.Equal(t, 1, fx.sink.flushes)
	assert.ElementsMatch(t, []string{"queued earlier", "extract started"}, fx.sink.flushed)
}

func TestEngine_LoadFailure(t *testing.T) {
	fx := newFixture(t)
	flow := &scriptedFlow{failAt: "load"}

	out := Bind[testConfig](flow).Run(context.Background(), fx.engine, fx.target, Context{})

	assert.Equal(t, StateLoading, out.Stage)
	assert.Nil(t, out.Result)
	assert.Equal(t, 1, fx.sink.flushes)
}

func TestEngine_PanicBecomesStageFailure(t *testing.T) {
	fx := newFixture(t)
	flow := &scriptedFlow{panicAt: "transform"}

	var reported []Outcome
	fx.engine.reporter = ReporterFunc(func(_ context.Context, _ *logging.Logger, out Outcome) {
		reported = append(reported, out)
	})

	out := Bind[testConfig](flow).Run(context.Background(), fx.engine, fx.target, Context{})

	assert.Equal(t, StateTransforming, out.Stage)
	var p *PanicError
	require.ErrorAs(t, out.Err, &p)
	assert.Equal(t, "boom in transform", p.Value)
	assert.NotEmpty(t, p.Stack)
	require.Len(t, reported, 1)
	assert.Equal(t, 1, fx.sink.flushes)
}

func TestEngine_NotifyErrorDoesNotFailRun(t *testing.T) {
	fx := newFixture(t)
	fx.sink.err = errors.New("store down")

	out := Bind[testConfig](&scriptedFlow{}).Run(context.Background(), fx.engine, fx.target, Context{})

	assert.True(t, out.Succeeded())
	assert.EqualError(t, out.NotifyErr, "store down")
}

func TestRun_ConfigurationResolution(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	run := newRun[testConfig](fx.engine, fx.target)

	conf, err := run.Configuration(ctx)
	require.NoError(t, err)
	assert.Nil(t, conf, "absent tenant row must not fall back")

	_, err = run.ConfigurationOrDefault(ctx)
	assert.True(t, IsMisconfigured(err))

	require.NoError(t, fx.store.SaveConfiguration(ctx, &models.PipelineConfiguration{
		PipelineID: fx.target.Definition.ID, IsDefault: true, Settings: json.RawMessage(`{"channel":"#default"}`),
	}))
	conf, err = run.Configuration(ctx)
	require.NoError(t, err)
	assert.Nil(t, conf)

	conf, err = run.ConfigurationOrDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, "#default", conf.Channel)

	tenantID := fx.target.Tenant.ID
	require.NoError(t, fx.store.SaveConfiguration(ctx, &models.PipelineConfiguration{
		PipelineID: fx.target.Definition.ID, TenantID: &tenantID, Settings: json.RawMessage(`{"channel":"#acme"}`),
	}))
	conf, err = run.Configuration(ctx)
	require.NoError(t, err)
	assert.Equal(t, "#acme", conf.Channel)
}

func TestRun_InvalidConfigurationIsMisconfigured(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tenantID := fx.target.Tenant.ID
	require.NoError(t, fx.store.SaveConfiguration(ctx, &models.PipelineConfiguration{
		PipelineID: fx.target.Definition.ID, TenantID: &tenantID, Settings: json.RawMessage(`{"channel":""}`),
	}))

	_, err := newRun[testConfig](fx.engine, fx.target).Configuration(ctx)
	assert.True(t, IsMisconfigured(err))
}

func TestRun_Credentials(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	run := newRun[testConfig](fx.engine, fx.target)

	cred, err := run.Credential(ctx, "crm")
	require.NoError(t, err)
	assert.Nil(t, cred)

	_, err = run.RequireCredential(ctx, "crm")
	assert.True(t, IsMisconfigured(err))

	require.NoError(t, fx.store.SaveCredential(ctx, &models.Credential{TenantID: fx.target.Tenant.ID, Service: "crm", APIKey: "k"}))
	cred, err = run.RequireCredential(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, "k", cred.APIKey)
}

func TestRun_ScheduleBindsTenantAndActivation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	run := newRun[testConfig](fx.engine, fx.target)

	se := models.NewScheduledExecution("", "", "pipeline.rerun")
	require.NoError(t, run.Schedule(ctx, se))

	stored, err := fx.store.GetSchedule(ctx, se.ID)
	require.NoError(t, err)
	assert.Equal(t, fx.target.Tenant.ID, stored.TenantID)
	assert.Equal(t, fx.target.Activation.ID, stored.ActivationID)
}

func TestRegister_DuplicatePanics(t *testing.T) {
	Register("engine-test-flow", "1", Bind[testConfig](&scriptedFlow{}))
	assert.Panics(t, func() {
		Register("engine-test-flow", "2", Bind[testConfig](&scriptedFlow{}))
	})

	r, err := Lookup("engine-test-flow")
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = Lookup("missing-flow")
	assert.Error(t, err)
}
