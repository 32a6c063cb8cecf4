package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/port"
)

// Poller 框架的默认参数。
const (
	defaultRetryDelay        = 2 * time.Second
	defaultOverallTimeout    = 15 * time.Minute
	defaultMaxRetriesOnError = 30
)

type PollingStatus string

const (
	PollDoing PollingStatus = "doing"
	PollDone  PollingStatus = "done"
)

// AbortedDetails 说明一次轮询为何被中止。
type AbortedDetails struct {
	Reason        string `json:"reason"`
	PolicyName    string `json:"policy"`
	IsInterrupted bool   `json:"is_interrupted"`
}

// PollingResult 是一次轮询调用的返回值：继续、正常完成或中止完成。
type PollingResult struct {
	Status  PollingStatus
	Data    any
	Aborted *AbortedDetails
}

func Doing() PollingResult { return PollingResult{Status: PollDoing} }

func DoneNormal(data any) PollingResult { return PollingResult{Status: PollDone, Data: data} }

func DoneAborted(d AbortedDetails) PollingResult { return PollingResult{Status: PollDone, Aborted: &d} }

type CallbackStatus string

const (
	CallbackNormal    CallbackStatus = "normal"
	CallbackException CallbackStatus = "exception"
)

// CallbackResult 在轮询终结时交给结果处理器。
type CallbackResult struct {
	Status  CallbackStatus
	Data    any
	Aborted *AbortedDetails
}

// PollerMetadata 在轮次之间持久化，崩溃后续轮不丢正确性。
type PollerMetadata struct {
	QueriedCount int             `json:"queried_count"`
	ErrorCount   int             `json:"error_count"`
	StartedAt    time.Time       `json:"started_at"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

// PollFunc 是轮询本体：读 metadata、做一次集群观测、返回结果。
// 每次调用必须在秒级内返回，不得自行阻塞等待。
type PollFunc func(ctx context.Context, meta *PollerMetadata) (PollingResult, error)

// PollerSpec 描述一个待驱动的轮询任务。
type PollerSpec struct {
	// Name 进日志；Key 是持久化 metadata 的主键
	Name string
	Key  string

	RetryDelay        time.Duration
	OverallTimeout    time.Duration
	MaxRetriesOnError int

	Poll     PollFunc
	OnResult func(ctx context.Context, result CallbackResult) error
}

func (s *PollerSpec) withDefaults() {
	if s.RetryDelay <= 0 {
		s.RetryDelay = defaultRetryDelay
	}
	if s.OverallTimeout <= 0 {
		s.OverallTimeout = defaultOverallTimeout
	}
	if s.MaxRetriesOnError <= 0 {
		s.MaxRetriesOnError = defaultMaxRetriesOnError
	}
}

// PollerRunner 按固定间隔驱动 PollFunc 直到 Done、超时或错误耗尽，
// 每轮把 metadata 落库。作为 worker 池里的一个任务运行。
type PollerRunner struct {
	metaRepo port.PollerMetaRepository
}

func NewPollerRunner(metaRepo port.PollerMetaRepository) *PollerRunner {
	return &PollerRunner{metaRepo: metaRepo}
}

func (r *PollerRunner) Run(ctx context.Context, spec PollerSpec) error {
	spec.withDefaults()

	meta, err := r.loadMeta(ctx, spec.Key)
	if err != nil {
		return err
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}

	ticker := time.NewTicker(spec.RetryDelay)
	defer ticker.Stop()

	for {
		if time.Since(meta.StartedAt) > spec.OverallTimeout {
			return r.finish(ctx, spec, CallbackResult{
				Status:  CallbackException,
				Aborted: &AbortedDetails{Reason: "timeout", PolicyName: "overall_timeout"},
			})
		}

		result, err := spec.Poll(ctx, meta)
		meta.QueriedCount++
		if err != nil {
			meta.ErrorCount++
			slog.Warn("poller turn failed",
				"poller", spec.Name, "key", spec.Key,
				"error_count", meta.ErrorCount, "error", err)
			if meta.ErrorCount > spec.MaxRetriesOnError {
				return r.finish(ctx, spec, CallbackResult{
					Status:  CallbackException,
					Aborted: &AbortedDetails{Reason: fmt.Sprintf("too many errors: %v", err), PolicyName: "max_retries"},
				})
			}
		} else if result.Status == PollDone {
			status := CallbackNormal
			if result.Aborted != nil {
				status = CallbackException
			}
			return r.finish(ctx, spec, CallbackResult{
				Status:  status,
				Data:    result.Data,
				Aborted: result.Aborted,
			})
		}

		if err := r.saveMeta(ctx, spec.Key, meta); err != nil {
			slog.Warn("persist poller metadata failed", "poller", spec.Name, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *PollerRunner) finish(ctx context.Context, spec PollerSpec, result CallbackResult) error {
	if err := r.metaRepo.DeleteMeta(ctx, spec.Key); err != nil {
		slog.Warn("delete poller metadata failed", "poller", spec.Name, "error", err)
	}
	if spec.OnResult == nil {
		return nil
	}
	return spec.OnResult(ctx, result)
}

func (r *PollerRunner) loadMeta(ctx context.Context, key string) (*PollerMetadata, error) {
	meta := &PollerMetadata{}
	raw, err := r.metaRepo.FindMeta(ctx, key)
	if err != nil {
		// 没有历史 metadata 就是全新一轮
		return meta, nil
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		slog.Warn("corrupt poller metadata, starting fresh", "key", key, "error", err)
		return &PollerMetadata{}, nil
	}
	return meta, nil
}

func (r *PollerRunner) saveMeta(ctx context.Context, key string, meta *PollerMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.metaRepo.SaveMeta(ctx, key, raw)
}
