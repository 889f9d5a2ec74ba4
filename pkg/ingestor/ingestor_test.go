package ingestor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
)

const execRequestedLog = `EVENT_JSON:{"standard":"outlayer","version":"1.0.0","event":"execution_requested","data":{"request_id":"%s","data_id":"deadbeef","sender_id":"alice.near","code_source":{"repo":"%s","commit":"abc123","build_target":"wasm32-wasip1"},"resource_limits":{"max_instructions":1000000,"max_memory_mb":128,"max_execution_seconds":60},"payment":"1","input_data":""}}`

type fakeSource struct {
	latest uint64
	blocks map[uint64]Block
}

func (f *fakeSource) LatestHeight(context.Context) (uint64, error) { return f.latest, nil }

func (f *fakeSource) FetchBlock(_ context.Context, height uint64, _ string) (Block, bool, error) {
	b, ok := f.blocks[height]
	return b, ok, nil
}

type fakeTasks struct {
	created []uint64
	failed  []string
}

func (f *fakeTasks) CreateTask(_ context.Context, blockHeight, requestID uint64, _ string, _ chain.SourceRef, _ chain.ResourceLimits, _ chain.ResponseFormat, _ []byte, _ *chain.SecretsRef) (bool, error) {
	f.created = append(f.created, requestID)
	return true, nil
}

func (f *fakeTasks) FailTask(_ context.Context, requestID uint64, reason string) error {
	f.failed = append(f.failed, reason)
	return nil
}

func newLogLine(requestID, repo string) string {
	return fmt.Sprintf(execRequestedLog, requestID, repo)
}

func TestIngestor_ScanCreatesTaskForValidEvent(t *testing.T) {
	tasks := &fakeTasks{}
	src := &fakeSource{
		latest: 10,
		blocks: map[uint64]Block{
			10: {Height: 10, Logs: []string{newLogLine("1", "https://github.com/a/b")}},
		},
	}
	ing, err := New(Config{Source: src, Tasks: tasks, ContractID: "outlayer.near", StartHeight: 9})
	require.NoError(t, err)

	require.NoError(t, ing.scanOnce(context.Background()))
	assert.Equal(t, []uint64{1}, tasks.created)
	assert.Empty(t, tasks.failed)
	assert.Equal(t, uint64(10), ing.wm.Height())
	require.NotNil(t, ing.ChainTip())
	assert.Equal(t, int64(10), *ing.ChainTip())
}

func TestIngestor_NormalizationFailurePublishesFailTask(t *testing.T) {
	tasks := &fakeTasks{}
	src := &fakeSource{
		latest: 5,
		blocks: map[uint64]Block{
			5: {Height: 5, Logs: []string{newLogLine("7", "https://not-allowed.example/a/b")}},
		},
	}
	ing, err := New(Config{Source: src, Tasks: tasks, ContractID: "outlayer.near", StartHeight: 4})
	require.NoError(t, err)

	require.NoError(t, ing.scanOnce(context.Background()))
	assert.Empty(t, tasks.created)
	require.Len(t, tasks.failed, 1)
	assert.Contains(t, tasks.failed[0], "source normalization failed")
}

func TestIngestor_DedupsWithinASession(t *testing.T) {
	tasks := &fakeTasks{}
	src := &fakeSource{
		latest: 5,
		blocks: map[uint64]Block{
			5: {Height: 5, Logs: []string{
				newLogLine("3", "https://github.com/a/b"),
				newLogLine("3", "https://github.com/a/b"),
			}},
		},
	}
	ing, err := New(Config{Source: src, Tasks: tasks, ContractID: "outlayer.near", StartHeight: 4})
	require.NoError(t, err)

	require.NoError(t, ing.scanOnce(context.Background()))
	assert.Equal(t, []uint64{3}, tasks.created)
}

func TestIngestor_WatermarkResumesAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermark")
	tasks := &fakeTasks{}
	src := &fakeSource{
		latest: 11,
		blocks: map[uint64]Block{
			10: {Height: 10, Logs: []string{newLogLine("1", "https://github.com/a/b")}},
			11: {Height: 11, Logs: []string{newLogLine("2", "https://github.com/a/b")}},
		},
	}
	ing, err := New(Config{Source: src, Tasks: tasks, ContractID: "outlayer.near", StartHeight: 9, WatermarkPath: path})
	require.NoError(t, err)
	require.NoError(t, ing.scanOnce(context.Background()))
	assert.Equal(t, []uint64{1, 2}, tasks.created)

	_, err = os.Stat(path)
	require.NoError(t, err)

	// a fresh Ingestor against the same watermark file should not
	// re-process blocks already scanned.
	tasks2 := &fakeTasks{}
	src2 := &fakeSource{latest: 11, blocks: src.blocks}
	ing2, err := New(Config{Source: src2, Tasks: tasks2, ContractID: "outlayer.near", StartHeight: 0, WatermarkPath: path})
	require.NoError(t, err)
	require.NoError(t, ing2.scanOnce(context.Background()))
	assert.Empty(t, tasks2.created)
}
