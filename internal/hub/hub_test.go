package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-warchest/internal/blockchain"
	"solana-warchest/internal/hud"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return New(t.TempDir(), false)
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	c := newTestCoordinator(t)
	c.RegisterWorker(CommandSwap, func(_ context.Context, payload interface{}) (interface{}, error) {
		return payload, nil
	})

	var mu sync.Mutex
	var types []string
	c.Subscribe(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	res, err := c.Run(context.Background(), CommandSwap, Namespace(CommandSwap, "main"), "payload", Options{})
	require.NoError(t, err)
	assert.Equal(t, "payload", res)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start", "result"}, types)
	assert.Empty(t, c.Active())
}

func TestRunRejectsBusyNamespace(t *testing.T) {
	c := newTestCoordinator(t)
	started := make(chan struct{})
	unblock := make(chan struct{})
	c.RegisterWorker(CommandSwap, func(ctx context.Context, _ interface{}) (interface{}, error) {
		close(started)
		<-unblock
		return nil, nil
	})

	ns := Namespace(CommandSwap, "main")
	go func() {
		_, _ = c.Run(context.Background(), CommandSwap, ns, nil, Options{})
	}()
	<-started

	_, err := c.Run(context.Background(), CommandSwap, ns, nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	close(unblock)
}

func TestNamespaceReleasedAfterError(t *testing.T) {
	c := newTestCoordinator(t)
	boom := fmt.Errorf("worker exploded")
	c.RegisterWorker(CommandTxMonitor, func(context.Context, interface{}) (interface{}, error) {
		return nil, boom
	})

	var errEvents int
	c.Subscribe(func(ev Event) {
		if ev.Type == "error" {
			errEvents++
		}
	})

	ns := Namespace(CommandTxMonitor, "abc123")
	_, err := c.Run(context.Background(), CommandTxMonitor, ns, nil, Options{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, c.Active(), "namespace must be released after failure")
	assert.Equal(t, 1, errEvents)

	// The namespace is immediately reusable.
	_, err = c.Run(context.Background(), CommandTxMonitor, ns, nil, Options{})
	assert.ErrorIs(t, err, boom)
}

func TestRunTimeout(t *testing.T) {
	c := newTestCoordinator(t)
	c.RegisterWorker(CommandSwap, func(ctx context.Context, _ interface{}) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	})

	_, err := c.Run(context.Background(), CommandSwap, Namespace(CommandSwap, "main"), nil, Options{TimeoutMs: 50})
	require.Error(t, err)
	assert.Equal(t, blockchain.KindTimeout, blockchain.KindOf(err))
	assert.Empty(t, c.Active())
}

func TestDetachedRunWritesPayloadAndDescriptor(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, false)
	// A no-op binary stands in for the re-exec'd worker.
	c.detachedArg0 = "true"
	c.RegisterWorker(CommandTxMonitor, func(context.Context, interface{}) (interface{}, error) {
		return nil, nil
	})

	payload := map[string]interface{}{"txid": "abc123", "walletAlias": "main"}
	res, err := c.Run(context.Background(), CommandTxMonitor, Namespace(CommandTxMonitor, "abc123"), payload, Options{Detached: true})
	require.NoError(t, err)

	desc, ok := res.(*Detached)
	require.True(t, ok, "detached runs resolve with a descriptor")
	assert.True(t, desc.DetachedFlag)
	assert.Greater(t, desc.Pid, 0)
	require.NotEmpty(t, desc.PayloadFile)
	assert.Empty(t, c.Active(), "the namespace is released as soon as the sibling starts")

	raw, err := os.ReadFile(desc.PayloadFile)
	require.NoError(t, err)
	var doc struct {
		Command   string                 `json:"command"`
		Namespace string                 `json:"namespace"`
		JobID     string                 `json:"jobId"`
		Payload   map[string]interface{} `json:"payload"`
		CreatedAt int64                  `json:"createdAt"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "txMonitor", doc.Command)
	assert.Equal(t, "tx:abc123", doc.Namespace)
	assert.NotEmpty(t, doc.JobID)
	assert.Equal(t, "abc123", doc.Payload["txid"])
	assert.NotZero(t, doc.CreatedAt)
	assert.Equal(t, filepath.Join(dir, "job-"+doc.JobID+".json"), desc.PayloadFile)
}

func TestNamespaceDerivation(t *testing.T) {
	assert.Equal(t, "wallet:main", Namespace(CommandSwap, "main"))
	assert.Equal(t, "tx:abc", Namespace(CommandTxMonitor, "abc"))
	assert.Equal(t, "targetList", Namespace(CommandTargets, "ignored"))
}

func TestCleanupsRunOnceInReverseOrder(t *testing.T) {
	c := newTestCoordinator(t)
	var order []int
	c.RegisterCleanup(func() { order = append(order, 1) })
	c.RegisterCleanup(func() { order = append(order, 2) })

	c.RunCleanups()
	c.RunCleanups()
	assert.Equal(t, []int{2, 1}, order)
}

func TestPublishHudEventCapAndOrder(t *testing.T) {
	dir := t.TempDir()
	p := NewPublisher(dir)

	for i := 0; i < 60; i++ {
		p.PublishHudEvent(hud.Event{
			Txid:       fmt.Sprintf("tx-%d", i),
			Status:     "confirmed",
			ObservedAt: fmt.Sprintf("2026-08-24T00:00:%02dZ", i),
		})
	}

	raw, err := os.ReadFile(filepath.Join(dir, "tx-events.json"))
	require.NoError(t, err)
	var events []hud.Event
	require.NoError(t, json.Unmarshal(raw, &events))

	require.Len(t, events, MaxHudEvents)
	assert.Equal(t, "tx-59", events[0].Txid, "newest first")
	assert.Equal(t, "tx-10", events[len(events)-1].Txid)
}

func TestPublishHudEventDeduplicates(t *testing.T) {
	p := NewPublisher(t.TempDir())
	ev := hud.Event{Txid: "tx-1", Status: "confirmed", ObservedAt: "2026-08-24T00:00:00Z"}
	p.PublishHudEvent(ev)
	p.PublishHudEvent(ev)

	raw, err := os.ReadFile(p.EventsPath())
	require.NoError(t, err)
	var events []hud.Event
	require.NoError(t, json.Unmarshal(raw, &events))
	assert.Len(t, events, 1)
}

func TestPublishStatusAtomic(t *testing.T) {
	p := NewPublisher(t.TempDir())
	p.PublishStatus(map[string]interface{}{"process": "ok"})

	raw, err := os.ReadFile(p.StatusPath())
	require.NoError(t, err)
	var doc struct {
		UpdatedAt string                 `json:"updatedAt"`
		Health    map[string]interface{} `json:"health"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotEmpty(t, doc.UpdatedAt)
	assert.Equal(t, "ok", doc.Health["process"])
}
