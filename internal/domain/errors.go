package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrInternal       = errors.New("internal error")

	// 集群层错误：controller 边界统一包装，调用方不感知原始传输异常
	ErrClusterUnreachable = errors.New("cluster unreachable")
	ErrClusterAuth        = errors.New("cluster authentication failed")
	ErrClusterClient      = fmt.Errorf("build cluster client: %w", ErrClusterUnreachable)

	// 集群注册表约束
	ErrDuplicatedDefault    = fmt.Errorf("%w: region already has a default cluster", ErrInvalidInput)
	ErrNoDefaultCluster     = fmt.Errorf("%w: region has no default cluster", ErrInvalidInput)
	ErrSwitchDefaultCluster = errors.New("switch default cluster failed")

	// 部署流水线错误
	ErrResourceDuplicate        = errors.New("resource duplicate")
	ErrPodNotSucceeded          = errors.New("pod did not succeed")
	ErrReadTargetStatusTimeout  = errors.New("read target status timeout")
	ErrDeployInterruptionFailed = errors.New("deploy interruption failed")
	ErrEmptyProcesses           = fmt.Errorf("%w: no processes found in procfile or description file", ErrInvalidInput)

	// 进程控制错误
	ErrAutoscalingUnsupported = errors.New("autoscaling is not supported by the cluster")
	ErrReplicasExceedsLimit   = fmt.Errorf("%w: target replicas exceeds limit", ErrInvalidInput)

	// 域名/证书错误
	ErrEmptyAppIngress   = errors.New("no domains configured, refuse to create an empty ingress")
	ErrValidCertNotFound = errors.New("valid certificate not found")

	ErrClusterNotFound     = fmt.Errorf("cluster %w", ErrNotFound)
	ErrWlAppNotFound       = fmt.Errorf("wl_app %w", ErrNotFound)
	ErrConfigNotFound      = fmt.Errorf("config %w", ErrNotFound)
	ErrBuildNotFound       = fmt.Errorf("build %w", ErrNotFound)
	ErrReleaseNotFound     = fmt.Errorf("release %w", ErrNotFound)
	ErrProcessNotFound     = fmt.Errorf("process %w", ErrNotFound)
	ErrPlanNotFound        = fmt.Errorf("process spec plan %w", ErrNotFound)
	ErrAppDomainNotFound   = fmt.Errorf("app domain %w", ErrNotFound)
	ErrDeploymentNotFound  = fmt.Errorf("deployment %w", ErrNotFound)
	ErrRevisionNotFound    = fmt.Errorf("app model revision %w", ErrNotFound)
	ErrModelDeployNotFound = fmt.Errorf("app model deploy %w", ErrNotFound)
	ErrCredentialNotFound  = fmt.Errorf("image credential %w", ErrNotFound)
)

// CodedError 给错误附加面向用户的 code_slug，HTTP 层据此渲染响应体。
// 内部细节只进日志，不出现在 message 里。
type CodedError struct {
	Slug    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *CodedError) Unwrap() error { return e.Err }

func WithCode(err error, slug, message string) *CodedError {
	return &CodedError{Slug: slug, Message: message, Err: err}
}
