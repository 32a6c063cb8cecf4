package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chiwei-platform/workload-engine/internal/port"
)

// DeployStatsFinding 是一条诊断结论。
type DeployStatsFinding struct {
	Condition string `json:"condition"`
	AppName   string `json:"app_name"`
	Process   string `json:"process,omitempty"`
	Detail    string `json:"detail"`
}

const (
	condSameHost          = "same-host"
	condMultipleClusters  = "multiple-clusters"
	condNodeStateMismatch = "node-state-mismatch"
)

// DeployStatsDiagnoser 汇报调度异味：prod 进程 Pod 挤在同一节点、
// 进程跨集群残留、节点 region 标签与库内记录不一致。
type DeployStatsDiagnoser struct {
	apps     port.WlAppRepository
	specs    port.ProcessSpecRepository
	clusters port.ClusterRepository
	stats    port.StatsReader
}

func NewDeployStatsDiagnoser(
	apps port.WlAppRepository,
	specs port.ProcessSpecRepository,
	clusters port.ClusterRepository,
	stats port.StatsReader,
) *DeployStatsDiagnoser {
	return &DeployStatsDiagnoser{apps: apps, specs: specs, clusters: clusters, stats: stats}
}

// Diagnose 扫描全部（或指定集群上的）应用并返回结论列表。
func (d *DeployStatsDiagnoser) Diagnose(ctx context.Context, clusterName string) ([]DeployStatsFinding, error) {
	apps, err := d.apps.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	var findings []DeployStatsFinding
	clusterOf := map[string][]string{} // (app_code, proc) → 集群集合

	for _, app := range apps {
		if clusterName != "" && app.ClusterName != clusterName {
			continue
		}
		specs, err := d.specs.FindByApp(ctx, app.Name)
		if err != nil {
			slog.Warn("list process specs failed", "app", app.Name, "error", err)
			continue
		}
		for _, spec := range specs {
			nodes, err := d.stats.ProcessPodNodes(ctx, app, spec.Name)
			if err != nil {
				slog.Warn("read pod nodes failed", "app", app.Name, "process", spec.Name, "error", err)
				continue
			}
			if app.Environment == "prod" && len(nodes) > 1 && allSame(nodes) {
				findings = append(findings, DeployStatsFinding{
					Condition: condSameHost,
					AppName:   app.Name,
					Process:   spec.Name,
					Detail:    fmt.Sprintf("%d prod pods scheduled onto node %s", len(nodes), nodes[0]),
				})
			}
			if len(nodes) > 0 {
				key := app.AppCode + "/" + spec.Name
				clusterOf[key] = appendUnique(clusterOf[key], app.ClusterName)
			}
		}
	}

	for key, names := range clusterOf {
		if len(names) > 1 {
			findings = append(findings, DeployStatsFinding{
				Condition: condMultipleClusters,
				AppName:   key,
				Detail:    fmt.Sprintf("process deployed in clusters %v", names),
			})
		}
	}

	mismatches, err := d.diagnoseNodeRegions(ctx, clusterName)
	if err != nil {
		return nil, err
	}
	return append(findings, mismatches...), nil
}

func (d *DeployStatsDiagnoser) diagnoseNodeRegions(ctx context.Context, clusterName string) ([]DeployStatsFinding, error) {
	clusters, err := d.clusters.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	var findings []DeployStatsFinding
	for _, cluster := range clusters {
		if clusterName != "" && cluster.Name != clusterName {
			continue
		}
		labels, err := d.stats.NodeRegionLabels(ctx, cluster.Name)
		if err != nil {
			slog.Warn("read node region labels failed", "cluster", cluster.Name, "error", err)
			continue
		}
		for node, region := range labels {
			if region != cluster.Region {
				findings = append(findings, DeployStatsFinding{
					Condition: condNodeStateMismatch,
					AppName:   cluster.Name,
					Detail:    fmt.Sprintf("node %s labelled region=%s, registry says %s", node, region, cluster.Region),
				})
			}
		}
	}
	return findings, nil
}

func allSame(values []string) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
