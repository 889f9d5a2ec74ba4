package health

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct{ err error }

func (s stubStore) Ping() error { return s.err }

type stubKeystore struct{ err error }

func (s stubKeystore) CheckHealth(context.Context) error { return s.err }

type stubChain struct {
	height uint64
	err    error
}

func (s stubChain) LatestBlockHeight(context.Context) (uint64, error) { return s.height, s.err }

type stubSnapshots struct{ snaps []WorkerSnapshot }

func (s stubSnapshots) Snapshots() []WorkerSnapshot { return s.snaps }

func i64(v int64) *int64 { return &v }

func TestDetailed_AllHealthy(t *testing.T) {
	now := time.Now()
	snaps := stubSnapshots{snaps: []WorkerSnapshot{
		{
			WorkerID: "w1", WorkerName: "worker-1", Status: "online",
			LastHeartbeat: now.Add(-1 * time.Second),
			EventMonitorBlockHeight: i64(100), EventMonitorUpdatedAt: now.Add(-1 * time.Second),
			LastAttestationAt: now.Add(-1 * time.Minute),
		},
	}}
	c := NewChecker(stubStore{}, stubKeystore{}, stubChain{height: 100}, snaps)
	result, status := c.Detailed(context.Background())

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", result.Status)
	assert.Equal(t, "ok", result.Checks.Workers.Status)
	assert.Equal(t, 1, result.Checks.Workers.Active)
}

func TestDetailed_StoreDownIsUnhealthy(t *testing.T) {
	c := NewChecker(stubStore{err: errors.New("boom")}, stubKeystore{}, stubChain{}, stubSnapshots{})
	result, status := c.Detailed(context.Background())

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", result.Status)
	assert.Equal(t, "error", result.Checks.Store.Status)
}

func TestDetailed_NoActiveWorkersIsUnhealthy(t *testing.T) {
	c := NewChecker(stubStore{}, stubKeystore{}, stubChain{}, stubSnapshots{})
	result, status := c.Detailed(context.Background())

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "critical", result.Checks.Workers.Status)
	assert.Equal(t, "unhealthy", result.Status)
}

func TestDetailed_StaleHeartbeatIsDegradedNot503(t *testing.T) {
	now := time.Now()
	snaps := stubSnapshots{snaps: []WorkerSnapshot{
		{WorkerID: "w1", WorkerName: "worker-1", Status: "online", LastHeartbeat: now.Add(-10 * time.Minute)},
		{WorkerID: "w2", WorkerName: "worker-2", Status: "online", LastHeartbeat: now.Add(-1 * time.Second)},
	}}
	c := NewChecker(stubStore{}, stubKeystore{}, stubChain{}, snaps)
	result, status := c.Detailed(context.Background())

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", result.Status)
	assert.Equal(t, "warning", result.Checks.Workers.Status)
}

func TestDetailed_EventMonitorLagDegradesButNotUnhealthy(t *testing.T) {
	now := time.Now()
	snaps := stubSnapshots{snaps: []WorkerSnapshot{
		{
			WorkerID: "w1", WorkerName: "worker-1", Status: "online", LastHeartbeat: now,
			EventMonitorBlockHeight: i64(1), EventMonitorUpdatedAt: now,
		},
	}}
	c := NewChecker(stubStore{}, stubKeystore{}, stubChain{height: 500}, snaps)
	result, status := c.Detailed(context.Background())

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", result.Status)
	assert.Equal(t, "warning", result.Checks.EventMonitor.Status)
	require.NotNil(t, result.Checks.EventMonitor.Workers[0].BlocksBehind)
	assert.Equal(t, int64(499), *result.Checks.EventMonitor.Workers[0].BlocksBehind)
}

func TestDetailed_KeystoreUnconfiguredIsSkippedNotDegraded(t *testing.T) {
	now := time.Now()
	snaps := stubSnapshots{snaps: []WorkerSnapshot{
		{WorkerID: "w1", WorkerName: "worker-1", Status: "online", LastHeartbeat: now},
	}}
	c := NewChecker(stubStore{}, nil, stubChain{}, snaps)
	result, status := c.Detailed(context.Background())

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "skipped", result.Checks.Keystore.Status)
	assert.Equal(t, "healthy", result.Status)
}
