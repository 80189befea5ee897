package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/agent"
)

// fakeAgent is a controllable agent for registry and monitor tests.
type fakeAgent struct {
	initErr    error
	metricsErr error
	healthErr  error
	execErr    error
	execDelay  time.Duration
}

func (f *fakeAgent) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeAgent) Execute(ctx context.Context, task agent.Task) (*agent.Result, error) {
	if f.execDelay > 0 {
		select {
		case <-time.After(f.execDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &agent.Result{TaskID: task.ID, Valid: true, Confidence: 0.9}, nil
}

func (f *fakeAgent) Metrics(ctx context.Context) (*agent.Metrics, error) {
	if f.metricsErr != nil {
		return nil, f.metricsErr
	}
	return &agent.Metrics{}, nil
}

func (f *fakeAgent) CheckHealth(ctx context.Context) error { return f.healthErr }

func newTestDescriptor(id string) *Descriptor {
	return &Descriptor{
		ID:         id,
		Name:       id,
		Capability: agent.CapabilityVerification,
		Agent:      &fakeAgent{},
	}
}

func TestRegistry_Register(t *testing.T) {
	r := New(zap.NewNop())

	require.NoError(t, r.Register(newTestDescriptor("a1")))

	err := r.Register(newTestDescriptor("a1"))
	assert.ErrorIs(t, err, ErrDuplicateAgent)

	err = r.Register(&Descriptor{ID: "", Agent: &fakeAgent{}})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	err = r.Register(&Descriptor{ID: "a2", Capability: "telepathy", Agent: &fakeAgent{}})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestRegistry_RegisterDefaults(t *testing.T) {
	r := New(zap.NewNop())
	desc := newTestDescriptor("a1")
	require.NoError(t, r.Register(desc))

	assert.Equal(t, 1.0, desc.Weight)
	assert.Equal(t, 1, desc.MaxConcurrency)

	rec, err := r.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, 1.0, rec.SuccessRate)
}

func TestRegistry_InitializeAll_MandatoryFailureAborts(t *testing.T) {
	r := New(zap.NewNop())

	mandatory := newTestDescriptor("must")
	mandatory.Mandatory = true
	mandatory.Agent = &fakeAgent{initErr: errors.New("boom")}
	require.NoError(t, r.Register(mandatory))
	require.NoError(t, r.Register(newTestDescriptor("ok")))

	err := r.InitializeAll(context.Background())
	assert.ErrorIs(t, err, ErrAgentInitialization)
}

func TestRegistry_InitializeAll_OptionalFailureMarksError(t *testing.T) {
	r := New(zap.NewNop())

	optional := newTestDescriptor("opt")
	optional.Agent = &fakeAgent{initErr: errors.New("boom")}
	require.NoError(t, r.Register(optional))
	require.NoError(t, r.Register(newTestDescriptor("ok")))

	require.NoError(t, r.InitializeAll(context.Background()))

	rec, err := r.Health("opt")
	require.NoError(t, err)
	assert.Equal(t, StatusError, rec.Status)
	assert.Equal(t, int64(1), rec.ErrorCount)
}

func TestRegistry_RecordSuccess_ExponentialSmoothing(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(newTestDescriptor("a1")))

	// Pull the rate down first so the smoothing is visible.
	r.RecordFailure("a1", 100*time.Millisecond)
	rec, err := r.Health("a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rec.SuccessRate, 1e-9)
	assert.Equal(t, 50*time.Millisecond, rec.ResponseTime)

	r.RecordSuccess("a1", 150*time.Millisecond)
	rec, err = r.Health("a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.9+0.1, rec.SuccessRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, rec.ResponseTime)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestRegistry_ThreeConsecutiveFailuresInactivate(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(newTestDescriptor("a1")))

	r.RecordFailure("a1", 0)
	rec, _ := r.Health("a1")
	assert.Equal(t, StatusError, rec.Status)

	r.RecordFailure("a1", 0)
	rec, _ = r.Health("a1")
	assert.Equal(t, StatusError, rec.Status)

	r.RecordFailure("a1", 0)
	rec, _ = r.Health("a1")
	assert.Equal(t, StatusInactive, rec.Status)
	assert.Equal(t, int64(3), rec.ErrorCount)

	// A stray success must not resurrect an inactive agent.
	r.RecordSuccess("a1", 10*time.Millisecond)
	rec, _ = r.Health("a1")
	assert.Equal(t, StatusInactive, rec.Status)
}

func TestRegistry_Restart_ResetsHealth(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(newTestDescriptor("a1")))

	for i := 0; i < 3; i++ {
		r.RecordFailure("a1", 0)
	}
	rec, _ := r.Health("a1")
	require.Equal(t, StatusInactive, rec.Status)

	require.NoError(t, r.Restart(context.Background(), "a1"))

	rec, _ = r.Health("a1")
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, 1.0, rec.SuccessRate)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Equal(t, int64(0), rec.ErrorCount)
}

func TestRegistry_Restart_FailedHealthCheck(t *testing.T) {
	r := New(zap.NewNop())
	desc := newTestDescriptor("a1")
	desc.Agent = &fakeAgent{healthErr: errors.New("still broken")}
	require.NoError(t, r.Register(desc))

	err := r.Restart(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrAgentInitialization)

	err = r.Restart(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_InFlightTracking(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(newTestDescriptor("a1")))

	r.IncInFlight("a1")
	r.IncInFlight("a1")
	rec, _ := r.Health("a1")
	assert.Equal(t, 2, rec.InFlight)

	r.DecInFlight("a1")
	r.DecInFlight("a1")
	r.DecInFlight("a1") // must not go negative
	rec, _ = r.Health("a1")
	assert.Equal(t, 0, rec.InFlight)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(newTestDescriptor("a1")))
	require.NoError(t, r.Register(newTestDescriptor("a2")))

	r.RecordFailure("a2", 0)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, StatusActive, snap["a1"].Status)
	assert.Equal(t, StatusError, snap["a2"].Status)
}

func TestRegistry_DescriptorsPreserveOrder(t *testing.T) {
	r := New(zap.NewNop())
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(newTestDescriptor(id)))
	}

	descs := r.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, "c", descs[0].ID)
	assert.Equal(t, "a", descs[1].ID)
	assert.Equal(t, "b", descs[2].ID)
}
