package kubernetes

import (
	"context"
	"fmt"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/mapper"
	"github.com/chiwei-platform/workload-engine/internal/port"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var _ port.StatsReader = (*StatsReader)(nil)

// 节点 region 标签，缺失时节点不计入统计。
const nodeRegionLabel = "topology.kubernetes.io/region"

// StatsReader 为 deploy-stats-diagnoser 汇总进程的调度位置。
type StatsReader struct {
	resolver Resolver
}

func NewStatsReader(resolver Resolver) *StatsReader {
	return &StatsReader{resolver: resolver}
}

func (r *StatsReader) ProcessPodNodes(ctx context.Context, app *domain.WlApp, procName string) ([]string, error) {
	client, err := r.resolver.ClientFor(ctx, app)
	if err != nil {
		return nil, err
	}
	version := mapper.CurrentVersion
	if app.LatestMapperVersion != "" {
		version = mapper.Version(app.LatestMapperVersion)
	}
	m := mapper.Process(version, app, procName, 0)

	pods, err := client.CoreV1().Pods(m.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "pod_selector=" + m.PodSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("list pods of %s: %w", procName, err)
	}
	nodes := make([]string, 0, len(pods.Items))
	for i := range pods.Items {
		if name := pods.Items[i].Spec.NodeName; name != "" {
			nodes = append(nodes, name)
		}
	}
	return nodes, nil
}

func (r *StatsReader) NodeRegionLabels(ctx context.Context, clusterName string) (map[string]string, error) {
	client, err := r.resolver.ClientByName(ctx, clusterName)
	if err != nil {
		return nil, err
	}
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes of %s: %w", clusterName, err)
	}
	labels := make(map[string]string, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		if region, ok := node.Labels[nodeRegionLabel]; ok {
			labels[node.Name] = region
		}
	}
	return labels, nil
}
