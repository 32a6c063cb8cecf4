package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEventRepo struct {
	mu   sync.Mutex
	rows map[string][]*domain.DeployEvent
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{rows: make(map[string][]*domain.DeployEvent)}
}

func (r *memEventRepo) Append(_ context.Context, deploymentID, event, data string) (*domain.DeployEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := &domain.DeployEvent{
		DeploymentID: deploymentID,
		Seq:          len(r.rows[deploymentID]) + 1,
		Event:        event,
		Data:         data,
		CreatedAt:    time.Now(),
	}
	r.rows[deploymentID] = append(r.rows[deploymentID], saved)
	return saved, nil
}

func (r *memEventRepo) ListSince(_ context.Context, deploymentID string, afterSeq int) ([]*domain.DeployEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.DeployEvent
	for _, e := range r.rows[deploymentID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestEventStreamEmitAssignsSequence(t *testing.T) {
	stream := NewDeployEventStream(newMemEventRepo())
	ctx := context.Background()

	require.NoError(t, stream.Emit(ctx, "d-1", "title", map[string]string{"name": "构建"}))
	require.NoError(t, stream.Emit(ctx, "d-1", "step", map[string]string{"name": "上传仓库代码"}))
	require.NoError(t, stream.Emit(ctx, "d-2", "title", nil))

	events, err := stream.Replay(ctx, "d-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, 2, events[1].Seq)
	assert.JSONEq(t, `{"name":"构建"}`, events[0].Data)
}

func TestEventStreamReplayAfterSeq(t *testing.T) {
	stream := NewDeployEventStream(newMemEventRepo())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, stream.Emit(ctx, "d-1", "message", i))
	}

	events, err := stream.Replay(ctx, "d-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 4, events[0].Seq)
	assert.Equal(t, 5, events[1].Seq)
}

func TestEventStreamSubscribeReceivesLive(t *testing.T) {
	stream := NewDeployEventStream(newMemEventRepo())
	ctx := context.Background()

	ch, cancel := stream.Subscribe("d-1")
	defer cancel()

	require.NoError(t, stream.Emit(ctx, "d-1", "phase", map[string]string{"phase": "release"}))
	require.NoError(t, stream.Emit(ctx, "d-other", "phase", nil))

	select {
	case got := <-ch:
		assert.Equal(t, "phase", got.Event)
		assert.Equal(t, "d-1", got.DeploymentID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered to subscriber")
	}

	// 其它 deployment 的事件不会串流
	select {
	case got := <-ch:
		t.Fatalf("unexpected event: %+v", got)
	default:
	}
}

func TestEventStreamCancelIdempotent(t *testing.T) {
	stream := NewDeployEventStream(newMemEventRepo())

	ch, cancel := stream.Subscribe("d-1")
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// 取消后 Emit 不应 panic（订阅者已摘除）
	require.NoError(t, stream.Emit(context.Background(), "d-1", "message", nil))
}

func TestEventStreamSlowSubscriberDropsNotBlocks(t *testing.T) {
	stream := NewDeployEventStream(newMemEventRepo())
	ctx := context.Background()

	_, cancel := stream.Subscribe("d-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			_ = stream.Emit(ctx, "d-1", "message", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}

	// 持久日志仍然完整
	events, err := stream.Replay(ctx, "d-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, subscriberBuffer+10)
}
