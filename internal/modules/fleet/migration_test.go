package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/modules/channel"
	"github.com/wardenhq/warden/internal/modules/placement"
	"github.com/wardenhq/warden/internal/modules/registry"
)

// fakeSender records commands and fails on the configured command type.
type fakeSender struct {
	mu       sync.Mutex
	commands []string // "node:command"
	payloads []string // marshaled payload per command, in send order
	failOn   string   // command type
}

func (s *fakeSender) SendCommand(_ context.Context, nodeID, command string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, nodeID+":"+command)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	s.payloads = append(s.payloads, string(data))
	if command == s.failOn {
		return nil, fmt.Errorf("agent refused %s", command)
	}
	return json.RawMessage(`{}`), nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeSender) sentPayloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

// fakeRouter records reassignments.
type fakeRouter struct {
	domain.Router

	mu         sync.Mutex
	reassigned []string // "instance:node"
}

func (r *fakeRouter) ReassignTenant(_ context.Context, instanceID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reassigned = append(r.reassigned, instanceID+":"+nodeID)
	return nil
}

func (r *fakeRouter) moves() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reassigned...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *recordingNotifier) NotifyAdmin(_ context.Context, emailType string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, emailType)
	return nil
}

func (n *recordingNotifier) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.types...)
}

type fixture struct {
	repo     *Repository
	registry *registry.Registry
	sender   *fakeSender
	router   *fakeRouter
	notifier *recordingNotifier
	engine   *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "fleet.db"),
		Profile: database.ProfileStandard,
		Name:    "fleet",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(zerolog.Nop())
	reg, err := registry.New(db.Conn(), bus, 90*time.Second, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		repo:     NewRepository(db.Conn(), zerolog.Nop()),
		registry: reg,
		sender:   &fakeSender{},
		router:   &fakeRouter{},
		notifier: &recordingNotifier{},
	}
	placer := placement.NewEngine(reg, zerolog.Nop())
	f.engine = NewEngine(f.repo, reg, placer, f.sender, f.router, f.notifier, bus, zerolog.Nop())
	return f
}

func (f *fixture) addNode(t *testing.T, id string, capacityMB int64) {
	t.Helper()
	_, err := f.registry.Register(registry.RegisterInput{ID: id, Host: id + ".internal.example", CapacityMB: capacityMB})
	require.NoError(t, err)
}

func (f *fixture) addInstance(t *testing.T, tenant, nodeID string, estimatedMB int64) *domain.BotInstance {
	t.Helper()
	inst, err := f.repo.CreateInstance(CreateInstanceInput{
		TenantID:    tenant,
		Name:        tenant + "-bot",
		NodeID:      nodeID,
		EstimatedMB: estimatedMB,
	})
	require.NoError(t, err)
	if nodeID != "" {
		require.NoError(t, f.registry.AddNodeCapacity(nodeID, inst.EstimatedMB))
	}
	require.NoError(t, f.repo.UpsertProfile(domain.BotProfile{
		InstanceID: inst.ID,
		Image:      "wardenhq/bot-runtime:v2",
		Env:        map[string]string{"MODE": "prod"},
	}))
	return inst
}

func TestMigrateTenantSixStepOrder(t *testing.T) {
	f := setup(t)
	f.addNode(t, "node-a", 1000)
	f.addNode(t, "node-b", 1000)
	inst := f.addInstance(t, "t1", "node-a", 200)

	result, err := f.engine.MigrateTenant(context.Background(), inst.ID, "node-b")
	require.NoError(t, err)
	assert.Empty(t, result.FailedStep)
	assert.Equal(t, "node-a", result.SourceNode)
	assert.Equal(t, "node-b", result.TargetNode)
	assert.GreaterOrEqual(t, result.DowntimeMS, int64(0))

	assert.Equal(t, []string{
		"node-a:" + channel.CommandBotExport,
		"node-a:" + channel.CommandBackupUpload,
		"node-b:" + channel.CommandBackupDownload,
		"node-a:" + channel.CommandBotStop,
		"node-b:" + channel.CommandBotImport,
		"node-b:" + channel.CommandBotInspect,
	}, f.sender.sent())

	payloads := f.sender.sentPayloads()
	require.Len(t, payloads, 6)
	assert.JSONEq(t, `{"name":"tenant_t1"}`, payloads[0])
	assert.JSONEq(t, `{"filename":"tenant_t1.tar.gz"}`, payloads[1])
	assert.JSONEq(t, `{"filename":"tenant_t1.tar.gz"}`, payloads[2])
	assert.JSONEq(t, `{"name":"tenant_t1"}`, payloads[3])
	assert.JSONEq(t, `{"name":"tenant_t1","image":"wardenhq/bot-runtime:v2","env":{"MODE":"prod"}}`, payloads[4])
	assert.JSONEq(t, `{"name":"tenant_t1"}`, payloads[5])

	// Binding, capacity and routing all moved
	got, err := f.repo.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.NodeID)

	source, _ := f.registry.Get("node-a")
	target, _ := f.registry.Get("node-b")
	assert.Equal(t, int64(0), source.UsedMB)
	assert.Equal(t, int64(200), target.UsedMB)
	assert.Equal(t, []string{inst.ID + ":node-b"}, f.router.moves())
}

func TestMigrateTenantFailureChangesNothing(t *testing.T) {
	steps := []string{
		channel.CommandBotExport, channel.CommandBackupUpload, channel.CommandBackupDownload,
		channel.CommandBotStop, channel.CommandBotImport, channel.CommandBotInspect,
	}
	for _, failOn := range steps {
		t.Run(failOn, func(t *testing.T) {
			f := setup(t)
			f.addNode(t, "node-a", 1000)
			f.addNode(t, "node-b", 1000)
			inst := f.addInstance(t, "t1", "node-a", 200)
			f.sender.failOn = failOn

			result, err := f.engine.MigrateTenant(context.Background(), inst.ID, "node-b")
			require.Error(t, err)
			require.NotNil(t, result)
			assert.NotEmpty(t, result.FailedStep)

			got, getErr := f.repo.GetInstance(inst.ID)
			require.NoError(t, getErr)
			assert.Equal(t, "node-a", got.NodeID)

			source, _ := f.registry.Get("node-a")
			target, _ := f.registry.Get("node-b")
			assert.Equal(t, int64(200), source.UsedMB)
			assert.Equal(t, int64(0), target.UsedMB)
			assert.Empty(t, f.router.moves())
		})
	}
}

func TestMigrateTenantPreconditions(t *testing.T) {
	f := setup(t)
	f.addNode(t, "node-a", 1000)
	inst := f.addInstance(t, "t1", "node-a", 200)

	_, err := f.engine.MigrateTenant(context.Background(), "ghost", "node-a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.MigrateTenant(context.Background(), inst.ID, "node-a")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.engine.MigrateTenant(context.Background(), inst.ID, "ghost-node")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	unassigned, err := f.repo.CreateInstance(CreateInstanceInput{TenantID: "t2", Name: "t2-bot"})
	require.NoError(t, err)
	_, err = f.engine.MigrateTenant(context.Background(), unassigned.ID, "node-a")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMigrateTenantAutoPlacementExcludesSource(t *testing.T) {
	f := setup(t)
	// Source has the most free space; placement must still avoid it
	f.addNode(t, "node-a", 10000)
	f.addNode(t, "node-b", 1000)
	inst := f.addInstance(t, "t1", "node-a", 200)

	result, err := f.engine.MigrateTenant(context.Background(), inst.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "node-b", result.TargetNode)
}

func TestMigrateTenantNoCapacity(t *testing.T) {
	f := setup(t)
	f.addNode(t, "node-a", 1000)
	inst := f.addInstance(t, "t1", "node-a", 200)

	_, err := f.engine.MigrateTenant(context.Background(), inst.ID, "")
	assert.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestDrainNodeAllOut(t *testing.T) {
	f := setup(t)
	f.addNode(t, "node-a", 1000)
	f.addNode(t, "node-b", 1000)
	f.addInstance(t, "t1", "node-a", 200)
	f.addInstance(t, "t2", "node-a", 200)

	result, err := f.engine.DrainNode(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Migrated)
	assert.Equal(t, 0, result.Failed)

	node, _ := f.registry.Get("node-a")
	assert.Equal(t, domain.NodeOffline, node.Status)
	assert.Equal(t, int64(0), node.UsedMB)
	assert.Empty(t, f.notifier.received())
}

func TestDrainNodeOverflowStaysDraining(t *testing.T) {
	f := setup(t)
	f.addNode(t, "node-a", 1000)
	f.addNode(t, "node-b", 300) // fits one 200MB tenant, not two
	f.addInstance(t, "t1", "node-a", 200)
	f.addInstance(t, "t2", "node-a", 200)

	result, err := f.engine.DrainNode(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
	assert.Equal(t, 1, result.Failed)

	node, _ := f.registry.Get("node-a")
	assert.Equal(t, domain.NodeDraining, node.Status)
	assert.Contains(t, f.notifier.received(), "drain_capacity_overflow")
}

func TestDrainUnknownNode(t *testing.T) {
	f := setup(t)
	_, err := f.engine.DrainNode(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProfileCorruptEnvFallsBack(t *testing.T) {
	f := setup(t)
	inst, err := f.repo.CreateInstance(CreateInstanceInput{TenantID: "t1", Name: "t1-bot"})
	require.NoError(t, err)
	require.NoError(t, f.repo.UpsertProfile(domain.BotProfile{InstanceID: inst.ID, Image: "img:1"}))

	// Corrupt the stored env directly
	db := f.repo.db
	_, err = db.Exec(`UPDATE bot_profiles SET env_json = '{broken' WHERE instance_id = ?`, inst.ID)
	require.NoError(t, err)

	p, err := f.repo.GetProfile(inst.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "img:1", p.Image)
	assert.Empty(t, p.Env)
	assert.NotNil(t, p.Env)
}

func TestGetProfileMissing(t *testing.T) {
	f := setup(t)
	p, err := f.repo.GetProfile("nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestCreateInstanceValidation(t *testing.T) {
	f := setup(t)

	_, err := f.repo.CreateInstance(CreateInstanceInput{TenantID: "bad tenant!", Name: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.repo.CreateInstance(CreateInstanceInput{TenantID: "t1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDeleteInstanceRemovesProfile(t *testing.T) {
	f := setup(t)
	f.addNode(t, "node-a", 1000)
	inst := f.addInstance(t, "t1", "node-a", 200)

	require.NoError(t, f.repo.DeleteInstance(inst.ID))

	_, err := f.repo.GetInstance(inst.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	p, err := f.repo.GetProfile(inst.ID)
	require.NoError(t, err)
	assert.Nil(t, p)

	assert.True(t, errors.Is(f.repo.DeleteInstance(inst.ID), domain.ErrNotFound))
}
