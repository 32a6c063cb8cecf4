package domain

import "time"

// Release 是"以配置 C 运行构建 B"的一次决策，不可变。
// version 从 1 起在 WlApp 内严格单调递增，最新版本即期望状态。
type Release struct {
	ID        string `json:"id"`
	WlAppName string `json:"wl_app_name"`
	Version   int    `json:"version"`

	BuildID  string `json:"build_id"`
	ConfigID string `json:"config_id"`

	// 首个 Release 固化应用的 mapper 版本
	MapperVersion string `json:"mapper_version"`

	Summary   string    `json:"summary,omitempty"`
	Operator  string    `json:"operator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
