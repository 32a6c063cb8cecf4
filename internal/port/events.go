package port

import (
	"context"

	"github.com/chiwei-platform/workload-engine/internal/domain"
)

// EventStream 是部署事件的双目的地汇：
// 先追加到按 deployment 有序的持久日志，再扇出到在线订阅者。
type EventStream interface {
	Emit(ctx context.Context, deploymentID, event string, data any) error
	// Replay 返回 afterSeq 之后的持久事件，订阅者用 token 续传。
	Replay(ctx context.Context, deploymentID string, afterSeq int) ([]*domain.DeployEvent, error)
	// Subscribe 返回在线事件通道与取消函数。通道有界，慢消费者会被丢弃事件。
	Subscribe(deploymentID string) (<-chan *domain.DeployEvent, func())
}
