package domain

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// 进程名规则：字母开头，字母数字连字符，限长。
const maxProcNameLength = 12

var procNameRegex = regexp.MustCompile(`^[a-zA-Z][-a-zA-Z0-9]*$`)

// ValidateProcName 校验进程名是否满足命名规则。
func ValidateProcName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: process name is required", ErrInvalidInput)
	}
	if len(name) > maxProcNameLength {
		return fmt.Errorf("%w: process name %q exceeds %d characters", ErrInvalidInput, name, maxProcNameLength)
	}
	if !procNameRegex.MatchString(name) {
		return fmt.Errorf("%w: process name %q is invalid, must match %s", ErrInvalidInput, name, procNameRegex.String())
	}
	return nil
}

// ParseProcfile 解析 Procfile（YAML 映射：进程名 → 命令），并校验进程名。
// 空 Procfile 不报错，由调用方决定是否回退到描述文件。
func ParseProcfile(payload []byte) (map[string]string, error) {
	var procfile map[string]string
	if err := yaml.Unmarshal(payload, &procfile); err != nil {
		return nil, fmt.Errorf("%w: invalid procfile yaml: %v", ErrInvalidInput, err)
	}
	for proc, command := range procfile {
		if err := ValidateProcName(proc); err != nil {
			return nil, err
		}
		if command == "" {
			return nil, fmt.Errorf("%w: process %q has an empty command", ErrInvalidInput, proc)
		}
	}
	return procfile, nil
}
