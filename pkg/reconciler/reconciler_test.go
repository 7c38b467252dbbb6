package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/heartbeat"
	"github.com/ethpandaops/engine-controller/pkg/metrics"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator/memory"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const label = settings.DefaultEngineLabel

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, st store.Store, list ...*runs.Run) {
	t.Helper()

	for _, run := range list {
		require.NoError(t, st.PutAll(context.Background(), run.Properties()))
	}
}

func addWorker(c *memory.Client, run string, phase orchestrator.Phase) string {
	return c.Add(orchestrator.Worker{
		Name:        orchestrator.WorkerName(label, run, 0),
		RunName:     run,
		EngineLabel: label,
		Phase:       phase,
	})
}

// flakyQueue fails lookups of chosen runs.
type flakyQueue struct {
	runs.Queue
	fail map[string]bool
}

func (q *flakyQueue) Run(ctx context.Context, name string) (*runs.Run, error) {
	if q.fail[name] {
		return nil, errors.New("store timeout")
	}

	return q.Queue.Run(ctx, name)
}

// stubbornClient refuses to delete chosen workers.
type stubbornClient struct {
	*memory.Client
	refuse map[string]bool
}

func (c *stubbornClient) DeleteWorker(ctx context.Context, id string) error {
	if c.refuse[id] {
		return errors.New("forbidden")
	}

	return c.Client.DeleteWorker(ctx, id)
}

func TestRunDeletionReconciler_Tick(t *testing.T) {
	log, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	client := memory.New()
	m := metrics.New(nil)

	seed(t, st,
		&runs.Run{Name: "LIVE1", Status: runs.StatusRunning, Queued: t0},
		&runs.Run{Name: "LIVE2", Status: runs.StatusFinished, Queued: t0},
	)

	liveRunning := addWorker(client, "LIVE1", orchestrator.PhaseRunning)
	liveDone := addWorker(client, "LIVE2", orchestrator.PhaseSucceeded)
	goneRunning := addWorker(client, "GONE1", orchestrator.PhaseRunning)
	goneFailed := addWorker(client, "GONE2", orchestrator.PhaseFailed)
	unlabelled := client.Add(orchestrator.Worker{Name: "stray", EngineLabel: label, Phase: orchestrator.PhaseUnknown})
	foreign := client.Add(orchestrator.Worker{Name: "other", RunName: "GONE3", EngineLabel: "other-engine"})

	r := NewRunDeletionReconciler(log, runs.NewQueue(log, st), client, settings.Static(settings.Defaults()), m)
	r.Tick(context.Background())

	assert.ElementsMatch(t, []string{goneRunning, goneFailed, unlabelled}, client.Deleted())
	assert.NotContains(t, client.Deleted(), liveRunning)
	assert.NotContains(t, client.Deleted(), liveDone)
	assert.NotContains(t, client.Deleted(), foreign)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WorkersDeleted))
}

func TestRunDeletionReconciler_FailuresDoNotAbortScan(t *testing.T) {
	log, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	client := &stubbornClient{Client: memory.New(), refuse: map[string]bool{}}

	lookupFails := addWorker(client.Client, "A", orchestrator.PhaseRunning)
	deleteFails := addWorker(client.Client, "B", orchestrator.PhaseRunning)
	deletable := addWorker(client.Client, "C", orchestrator.PhaseRunning)

	client.refuse[deleteFails] = true

	queue := &flakyQueue{Queue: runs.NewQueue(log, st), fail: map[string]bool{"A": true}}

	r := NewRunDeletionReconciler(log, queue, client, settings.Static(settings.Defaults()), metrics.New(nil))
	r.Tick(context.Background())

	assert.Equal(t, []string{deletable}, client.Deleted())
	assert.NotContains(t, client.Deleted(), lookupFails)
}

func leaseRun(name, controller string, timeout time.Time) *runs.Run {
	return &runs.Run{
		Name:            name,
		Status:          runs.StatusAllocated,
		Queued:          t0.Add(-time.Hour),
		Controller:      controller,
		Allocated:       timeout.Add(-15 * time.Minute),
		AllocateTimeout: timeout,
	}
}

func TestLeaseReaper_Tick(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	client := memory.New()
	m := metrics.New(nil)

	expired := t0.Add(-time.Minute)

	seed(t, st,
		leaseRun("OWN", "me", expired),
		leaseRun("WORKING", "me", expired),
		leaseRun("EXITED", "me", expired),
		leaseRun("FRESH", "me", t0.Add(time.Minute)),
		leaseRun("ALIVE", "peer", expired),
		leaseRun("DEAD", "ghost", expired),
		leaseRun("SILENT", "mute", expired),
		&runs.Run{Name: "QUEUED", Status: runs.StatusQueued, Queued: t0},
	)

	addWorker(client, "WORKING", orchestrator.PhaseRunning)
	addWorker(client, "EXITED", orchestrator.PhaseFailed)

	require.NoError(t, st.Put(ctx, heartbeat.Key("peer"), runs.FormatTime(t0)))
	require.NoError(t, st.Put(ctx, heartbeat.Key("ghost"), runs.FormatTime(expired.Add(-time.Hour))))

	reaper := NewLeaseReaper(log, "me", st, runs.NewQueue(log, st), client,
		settings.Static(settings.Defaults()), m, nil, func() time.Time { return t0 })
	reaper.Tick(ctx)

	status := func(name string) string {
		v, err := st.Get(ctx, runs.StatusKey(name))
		require.NoError(t, err)

		return v
	}

	for _, name := range []string{"OWN", "EXITED", "DEAD", "SILENT"} {
		assert.Equal(t, runs.StatusQueued, status(name), name)

		_, err := st.Get(ctx, runs.Key(name, runs.FieldController))
		require.ErrorIs(t, err, store.ErrNotFound, name)

		_, err = st.Get(ctx, runs.Key(name, runs.FieldAllocateTimeout))
		require.ErrorIs(t, err, store.ErrNotFound, name)
	}

	for _, name := range []string{"WORKING", "FRESH", "ALIVE"} {
		assert.Equal(t, runs.StatusAllocated, status(name), name)
	}

	assert.Equal(t, runs.StatusQueued, status("QUEUED"))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RunsRequeued))
}

func TestLeaseReaper_NothingExpired(t *testing.T) {
	log, _ := test.NewNullLogger()
	st := store.NewMemoryStore()

	seed(t, st, leaseRun("U1", "me", t0.Add(time.Hour)))

	m := metrics.New(nil)
	reaper := NewLeaseReaper(log, "me", st, runs.NewQueue(log, st), memory.New(),
		settings.Static(settings.Defaults()), m, nil, func() time.Time { return t0 })
	reaper.Tick(context.Background())

	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsRequeued))
}

type launchSet map[string]bool

func (l launchSet) Launching(run string) bool { return l[run] }

func TestLeaseReaper_SkipsRunsBeingLaunched(t *testing.T) {
	log, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	ctx := context.Background()

	expired := t0.Add(-time.Minute)
	seed(t, st, leaseRun("BUSY", "me", expired), leaseRun("IDLE", "me", expired))

	m := metrics.New(nil)
	reaper := NewLeaseReaper(log, "me", st, runs.NewQueue(log, st), memory.New(),
		settings.Static(settings.Defaults()), m, launchSet{"BUSY": true}, func() time.Time { return t0 })
	reaper.Tick(ctx)

	busy, err := st.Get(ctx, runs.StatusKey("BUSY"))
	require.NoError(t, err)
	assert.Equal(t, runs.StatusAllocated, busy)

	idle, err := st.Get(ctx, runs.StatusKey("IDLE"))
	require.NoError(t, err)
	assert.Equal(t, runs.StatusQueued, idle)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsRequeued))
}
