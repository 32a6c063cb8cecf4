package domain

import (
	"fmt"
	"regexp"
)

// k8sNameRegex 匹配合法的 K8s 资源名称：小写字母开头，只含小写字母、数字和连字符，长度 2-63。
var k8sNameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{0,61}[a-z0-9]$`)

// ValidateK8sName 校验名称是否可安全用作 K8s 资源名。
func ValidateK8sName(name string) error {
	if !k8sNameRegex.MatchString(name) {
		return fmt.Errorf("%w: name %q is not a valid k8s resource name", ErrInvalidInput, name)
	}
	return nil
}

var hostRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// ValidateHost 校验可分配的主机名。
func ValidateHost(host string) error {
	if !hostRegex.MatchString(host) {
		return fmt.Errorf("%w: host %q is not a valid hostname", ErrInvalidInput, host)
	}
	return nil
}

var pathPrefixRegex = regexp.MustCompile(`^/[a-zA-Z0-9._/-]*$`)

// ValidatePathPrefix 校验域名挂载路径，必须以 / 开头且不含非法字符。
func ValidatePathPrefix(prefix string) error {
	if prefix == "" || !pathPrefixRegex.MatchString(prefix) {
		return fmt.Errorf("%w: path_prefix %q is invalid", ErrInvalidInput, prefix)
	}
	return nil
}
