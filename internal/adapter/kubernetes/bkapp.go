package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

var _ port.BkAppOperator = (*BkAppOperator)(nil)

const fieldManager = "workload-engine"

var bkAppGVR = schema.GroupVersionResource{
	Group:    domain.BkAppGroup,
	Version:  "v1alpha2",
	Resource: "bkapps",
}

// BkAppOperator 通过 dynamic client 操作集群里的 BkApp 自定义资源。
type BkAppOperator struct {
	resolver Resolver
}

func NewBkAppOperator(resolver Resolver) *BkAppOperator {
	return &BkAppOperator{resolver: resolver}
}

// Apply 做 server-side apply，整份清单即期望状态，字段归属本服务。
func (o *BkAppOperator) Apply(ctx context.Context, app *domain.WlApp, manifest []byte) error {
	dyn, err := o.resolver.DynamicFor(ctx, app)
	if err != nil {
		return err
	}

	var meta struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(manifest, &meta); err != nil {
		return fmt.Errorf("%w: manifest is not valid json: %v", domain.ErrInvalidInput, err)
	}
	if meta.Metadata.Name == "" {
		return fmt.Errorf("%w: manifest metadata.name is empty", domain.ErrInvalidInput)
	}

	force := true
	_, err = dyn.Resource(bkAppGVR).Namespace(app.Namespace()).Patch(
		ctx, meta.Metadata.Name, types.ApplyPatchType, manifest,
		metav1.PatchOptions{FieldManager: fieldManager, Force: &force},
	)
	if err != nil {
		return fmt.Errorf("apply bkapp %s: %w", meta.Metadata.Name, err)
	}
	return nil
}

// GetState 读回 BkApp 的 status 与 metadata.annotations。
func (o *BkAppOperator) GetState(ctx context.Context, app *domain.WlApp, resName string) (*domain.BkAppStatus, map[string]string, error) {
	dyn, err := o.resolver.DynamicFor(ctx, app)
	if err != nil {
		return nil, nil, err
	}

	obj, err := dyn.Resource(bkAppGVR).Namespace(app.Namespace()).Get(ctx, resName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil, fmt.Errorf("bkapp %s: %w", resName, domain.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("get bkapp %s: %w", resName, err)
	}

	status := &domain.BkAppStatus{}
	if raw, ok := obj.Object["status"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("decode bkapp status: %w", err)
		}
		if err := json.Unmarshal(data, status); err != nil {
			return nil, nil, fmt.Errorf("decode bkapp status: %w", err)
		}
	}
	return status, obj.GetAnnotations(), nil
}

// 状态端点最多透出的事件条数。
const maxRecentEvents = 20

// RecentEvents 列出 BkApp 资源的集群事件，新的在前。
func (o *BkAppOperator) RecentEvents(ctx context.Context, app *domain.WlApp, resName string) ([]domain.ResourceEvent, error) {
	cs, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return nil, err
	}

	list, err := cs.CoreV1().Events(app.Namespace()).List(ctx, metav1.ListOptions{
		FieldSelector: "involvedObject.name=" + resName + ",involvedObject.kind=" + domain.BkAppKind,
	})
	if err != nil {
		return nil, fmt.Errorf("list events for bkapp %s: %w", resName, err)
	}

	events := make([]domain.ResourceEvent, 0, len(list.Items))
	for _, item := range list.Items {
		events = append(events, domain.ResourceEvent{
			Type:     item.Type,
			Reason:   item.Reason,
			Message:  item.Message,
			Count:    item.Count,
			LastSeen: item.LastTimestamp.Time,
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].LastSeen.After(events[j].LastSeen) })
	if len(events) > maxRecentEvents {
		events = events[:maxRecentEvents]
	}
	return events, nil
}
