package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
)

var _ port.EventStream = (*DeployEventStream)(nil)

// 单个订阅者的通道容量。写满即丢，慢消费者通过 Replay 补齐。
const subscriberBuffer = 64

// DeployEventStream 把部署事件先落持久日志再广播给在线订阅者。
// 持久日志是事实来源，广播只是降低在线客户端的轮询延迟。
type DeployEventStream struct {
	events port.EventRepository

	mu   sync.RWMutex
	subs map[string][]chan *domain.DeployEvent
}

func NewDeployEventStream(events port.EventRepository) *DeployEventStream {
	return &DeployEventStream{
		events: events,
		subs:   make(map[string][]chan *domain.DeployEvent),
	}
}

// Emit 序列化 data 为 JSON，追加到事件日志并扇出。
// 落库失败时事件丢失，调用方决定是否终止流水线。
func (s *DeployEventStream) Emit(ctx context.Context, deploymentID, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	saved, err := s.events.Append(ctx, deploymentID, event, string(payload))
	if err != nil {
		return fmt.Errorf("append deploy event: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs[deploymentID] {
		select {
		case ch <- saved:
		default:
			slog.Warn("deploy event dropped for slow subscriber",
				"deployment_id", deploymentID, "seq", saved.Seq)
		}
	}
	return nil
}

func (s *DeployEventStream) Replay(ctx context.Context, deploymentID string, afterSeq int) ([]*domain.DeployEvent, error) {
	return s.events.ListSince(ctx, deploymentID, afterSeq)
}

// Subscribe 注册一个在线订阅者。取消函数幂等，并发安全。
func (s *DeployEventStream) Subscribe(deploymentID string) (<-chan *domain.DeployEvent, func()) {
	ch := make(chan *domain.DeployEvent, subscriberBuffer)

	s.mu.Lock()
	s.subs[deploymentID] = append(s.subs[deploymentID], ch)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			chans := s.subs[deploymentID]
			for i, c := range chans {
				if c == ch {
					s.subs[deploymentID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(s.subs[deploymentID]) == 0 {
				delete(s.subs, deploymentID)
			}
			close(ch)
		})
	}
	return ch, cancel
}
