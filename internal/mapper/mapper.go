// Package mapper 把 (WlApp, process, release_version) 映射为集群资源的
// 名称、标签与选择器。纯函数，无 I/O。
//
// v1 与 v2 两个版本共存且各自不可变：应用在首个 Release 固定版本，
// 此后终生不变。标签集合是其它子系统匹配资源的契约，
// 任何增删改都要求新开一个版本。
package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/chiwei-platform/workload-engine/internal/domain"
)

type Version string

const (
	V1 Version = "v1"
	V2 Version = "v2"
)

// CurrentVersion 新应用落到的 mapper 版本。
const CurrentVersion = V2

// maxLabelLength 是 K8s label value 的长度上限。
const maxLabelLength = 63

// Mapping 是一个进程在集群里的完整命名方案。
type Mapping struct {
	Name        string
	Namespace   string
	PodSelector string
	Labels      map[string]string
	MatchLabels map[string]string
	Annotations map[string]string
}

// Process 计算 proc 进程的资源命名。releaseVersion <= 0 表示尚无 Release。
func Process(v Version, app *domain.WlApp, proc string, releaseVersion int) Mapping {
	var name, selector string
	switch v {
	case V1:
		// 遗留格式，region 前缀 + command 名（与进程名一致）
		name = fmt.Sprintf("%s-%s-%s-%s-deployment", app.Region, app.SafeName(), proc, proc)
		selector = fmt.Sprintf("%s-%s-%s-deployment", app.Region, app.SafeName(), proc)
	default:
		name = fmt.Sprintf("%s--%s", app.SafeName(), proc)
		selector = digestIfTooLong(name)
	}

	labels := map[string]string{
		"pod_selector":    selector,
		"release_version": strconv.Itoa(releaseVersion),
		"region":          app.Region,
		"app_code":        app.AppCode,
		"module_name":     app.ModuleName,
		"env":             app.Environment,
		"process_id":      proc,
		"category":        "bkapp",
		"mapper_version":  string(v),
	}
	return Mapping{
		Name:        name,
		Namespace:   Namespace(app),
		PodSelector: selector,
		Labels:      labels,
		MatchLabels: map[string]string{"pod_selector": selector},
		Annotations: Annotations(app),
	}
}

// Annotations 返回云原生友好的五个平台注解。
func Annotations(app *domain.WlApp) map[string]string {
	return map[string]string{
		domain.BkAppCodeAnnoKey:    app.AppCode,
		domain.ModuleNameAnnoKey:   app.ModuleName,
		domain.EnvironmentAnnoKey:  app.Environment,
		domain.WlAppNameAnnoKey:    app.Name,
		domain.ResourceTypeAnnoKey: "process",
	}
}

// Namespace 返回应用独占的命名空间。
func Namespace(app *domain.WlApp) string {
	return app.Namespace()
}

// BuilderPodName 返回构建 Pod 名。每个命名空间同一时间只允许一个构建。
func BuilderPodName(app *domain.WlApp) string {
	return "slug-builder"
}

// ServiceName 返回进程 Service 名。
func ServiceName(v Version, app *domain.WlApp, proc string) string {
	if v == V1 {
		return fmt.Sprintf("%s-%s-%s", app.Region, app.SafeName(), proc)
	}
	return fmt.Sprintf("%s--%s", app.SafeName(), proc)
}

// digestIfTooLong 超过 63 字符的取值替换为稳定的 SHA 前缀摘要。
func digestIfTooLong(value string) string {
	if len(value) <= maxLabelLength {
		return value
	}
	sum := sha256.Sum256([]byte(value))
	return "v2-digested-" + hex.EncodeToString(sum[:])[:16]
}
