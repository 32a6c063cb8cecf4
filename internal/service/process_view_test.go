package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncProcOperator 允许测试在 watch 运行中并发改快照。
type syncProcOperator struct {
	stubProcOperator
	mu sync.Mutex
}

func (o *syncProcOperator) Snapshot(context.Context, *domain.WlApp) ([]domain.ProcessSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ProcessSnapshot, len(o.snapshot))
	copy(out, o.snapshot)
	return out, nil
}

func (o *syncProcOperator) setInstanceReady(proc string, idx int, ready bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.snapshot {
		if o.snapshot[i].Name == proc {
			instances := make([]domain.Instance, len(o.snapshot[i].Instances))
			copy(instances, o.snapshot[i].Instances)
			instances[idx].Ready = ready
			o.snapshot[i].Instances = instances
		}
	}
}

type stubReleaseRepo struct {
	release *domain.Release
}

func (r *stubReleaseRepo) Create(_ context.Context, release *domain.Release) (*domain.Release, error) {
	return release, nil
}
func (r *stubReleaseRepo) FindByID(context.Context, string) (*domain.Release, error) {
	if r.release == nil {
		return nil, domain.ErrReleaseNotFound
	}
	return r.release, nil
}
func (r *stubReleaseRepo) FindLatest(context.Context, string) (*domain.Release, error) {
	return r.release, nil
}
func (r *stubReleaseRepo) FindAll(context.Context, string) ([]*domain.Release, error) {
	return nil, nil
}

func viewFixture(operator port.ProcessOperator, release *domain.Release) *ProcessViewService {
	specs := &stubSpecRepo{specs: []*domain.ProcessSpec{
		{WlAppName: "bkapp-demo-stag", Name: "web", TargetReplicas: 2, TargetStatus: domain.ProcessStart},
		{WlAppName: "bkapp-demo-stag", Name: "worker", TargetReplicas: 1, TargetStatus: domain.ProcessStop},
	}}
	return NewProcessViewService(specs, &stubReleaseRepo{release: release}, operator, 5*time.Millisecond)
}

func TestProcessViewList(t *testing.T) {
	operator := &stubProcOperator{snapshot: []domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: []domain.Instance{
			{Name: "web-0", ProcessType: "web", ReleaseVersion: 5, Ready: true},
			{Name: "web-1", ProcessType: "web", ReleaseVersion: 5, Ready: false},
		}},
	}}
	view := viewFixture(operator, nil)

	result, err := view.List(context.Background(), testApp(), "")
	require.NoError(t, err)

	require.Len(t, result.Processes, 2)
	web := result.Processes[0]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, 2, web.TargetReplicas)
	assert.Equal(t, 2, web.DesiredReplicas)
	assert.Equal(t, 1, web.ReadyReplicas)
	assert.Len(t, result.Instances, 2)
	assert.Positive(t, result.RVProc)
	assert.Positive(t, result.RVInst)
}

func TestProcessViewListFiltersByRelease(t *testing.T) {
	operator := &stubProcOperator{snapshot: []domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: []domain.Instance{
			{Name: "web-old", ProcessType: "web", ReleaseVersion: 4, Ready: true},
			{Name: "web-new", ProcessType: "web", ReleaseVersion: 5, Ready: true},
		}},
	}}
	view := viewFixture(operator, &domain.Release{ID: "r-5", Version: 5})

	result, err := view.List(context.Background(), testApp(), "r-5")
	require.NoError(t, err)

	require.Len(t, result.Instances, 1)
	assert.Equal(t, "web-new", result.Instances[0].Name)
	// ready 计数也只统计目标版本
	assert.Equal(t, 1, result.Processes[0].ReadyReplicas)
}

func TestProcessViewListUnknownRelease(t *testing.T) {
	view := viewFixture(&stubProcOperator{}, nil)

	_, err := view.List(context.Background(), testApp(), "r-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessViewWatchSendsInitialStateThenDiffs(t *testing.T) {
	operator := &syncProcOperator{stubProcOperator: stubProcOperator{snapshot: []domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: []domain.Instance{
			{Name: "web-0", ProcessType: "web", ReleaseVersion: 5, Ready: false},
		}},
	}}}
	view := viewFixture(operator, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type received struct {
		objectType string
		rv         int64
	}
	events := make(chan received, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = view.Watch(ctx, testApp(), 0, 0, func(e ProcessWatchEvent) error {
			events <- received{objectType: e.ObjectType, rv: e.RV}
			return nil
		})
	}()

	// 全量：web + worker 两个 process，一个 instance
	var initial []received
	for i := 0; i < 3; i++ {
		select {
		case e := <-events:
			initial = append(initial, e)
		case <-time.After(time.Second):
			t.Fatal("initial resync not delivered")
		}
	}
	types := map[string]int{}
	for _, e := range initial {
		types[e.objectType]++
	}
	assert.Equal(t, 2, types["process"])
	assert.Equal(t, 1, types["instance"])

	// 无变化期间不推送
	select {
	case e := <-events:
		t.Fatalf("unexpected event without change: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	// 实例就绪后 process 与 instance 各推一条，rv 单调递增
	operator.setInstanceReady("web", 0, true)
	var changed []received
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			changed = append(changed, e)
		case <-time.After(time.Second):
			t.Fatal("diff event not delivered")
		}
	}
	for _, e := range changed {
		for _, first := range initial {
			if first.objectType == e.objectType {
				assert.Greater(t, e.rv, first.rv)
			}
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop on context cancel")
	}
}

func TestProcessViewWatchStopsOnSinkError(t *testing.T) {
	operator := &stubProcOperator{snapshot: []domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 1},
	}}
	view := viewFixture(operator, nil)

	wantErr := assert.AnError
	err := view.Watch(context.Background(), testApp(), 0, 0, func(ProcessWatchEvent) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}
