package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/queue"
	"github.com/fastnear/near-outlayer-sub001/pkg/workerapi"
)

func chainSource() chain.SourceRef {
	return chain.SourceRef{
		Repo:        "https://github.com/near/example",
		Commit:      "abc123",
		BuildTarget: "wasm32-wasip1",
	}
}

func TestSleepCtx_ReturnsFalseWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Second))
}

func TestSleepCtx_ReturnsTrueAfterElapsing(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestIteration_ReturnsFalseOnEmptyPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	o := New(Config{API: workerapi.New(srv.URL, "", time.Second), WorkerID: "w1"})
	processed, err := o.iteration(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestIteration_PropagatesPollError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := New(Config{API: workerapi.New(srv.URL, "", time.Second), WorkerID: "w1"})
	_, err := o.iteration(context.Background())
	assert.Error(t, err)
}

func TestHandleTask_LostClaimRaceIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs/claim", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jobs": nil})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := New(Config{API: workerapi.New(srv.URL, "", time.Second), WorkerID: "w1"})
	task := &queue.Task{
		TaskID:    "t1",
		RequestID: 1,
		DataIDHex: "ab",
		Source: chainSource(),
	}
	err := o.handleTask(context.Background(), task)
	require.NoError(t, err)
}
