package compute

import (
	"fmt"
	"strings"
)

// BackendKind identifies the runtime that executes a function.
type BackendKind string

const (
	KindNative               BackendKind = "native"
	KindCompiledModule       BackendKind = "compiled-module"
	KindGPUKernel            BackendKind = "gpu"
	KindSandboxedInterpreter BackendKind = "interpreter"
)

// FunctionDescriptor identifies what a backend must execute. It is resolved
// once when a task is built.
//
//	native:<name>
//	gpu:<name>
//	compiled-module:<module>/<component>/<name>
//	interpreter:<language>:<script>#<name>
type FunctionDescriptor struct {
	Kind      BackendKind `json:"kind" yaml:"kind" cbor:"kind"`
	Language  string      `json:"language,omitempty" yaml:"language,omitempty" cbor:"language,omitempty"`
	Module    string      `json:"module,omitempty" yaml:"module,omitempty" cbor:"module,omitempty"`
	Component string      `json:"component,omitempty" yaml:"component,omitempty" cbor:"component,omitempty"`
	Name      string      `json:"name" yaml:"name" cbor:"name"`
}

// Engine returns the registry name of the engine that runs the function.
func (f FunctionDescriptor) Engine() string {
	if f.Kind == KindSandboxedInterpreter {
		return string(f.Kind) + ":" + f.Language
	}
	return string(f.Kind)
}

func (f FunctionDescriptor) String() string {
	switch f.Kind {
	case KindCompiledModule:
		return fmt.Sprintf("%s:%s/%s/%s", f.Kind, f.Module, f.Component, f.Name)
	case KindSandboxedInterpreter:
		if f.Module == "" {
			return fmt.Sprintf("%s:%s", f.Engine(), f.Name)
		}
		return fmt.Sprintf("%s:%s#%s", f.Engine(), f.Module, f.Name)
	default:
		return fmt.Sprintf("%s:%s", f.Kind, f.Name)
	}
}

// Validate checks the fields required by the descriptor's kind.
func (f FunctionDescriptor) Validate() error {
	if f.Name == "" {
		return NewValidationError(StageValidation, "function descriptor has no name", nil)
	}
	switch f.Kind {
	case KindNative, KindGPUKernel:
	case KindCompiledModule:
		if f.Module == "" || f.Component == "" {
			return NewValidationError(StageValidation, fmt.Sprintf("compiled-module function '%s' needs module and component", f.Name), nil)
		}
	case KindSandboxedInterpreter:
		if f.Language == "" {
			return NewValidationError(StageValidation, fmt.Sprintf("interpreter function '%s' has no language", f.Name), nil)
		}
	default:
		return NewValidationError(StageValidation, fmt.Sprintf("unknown backend kind '%s'", f.Kind), nil)
	}
	return nil
}

// ParseFunction builds a descriptor for kind from the part of a function
// string that follows the engine prefix.
func ParseFunction(kind BackendKind, language, body string) (FunctionDescriptor, error) {
	fd := FunctionDescriptor{Kind: kind, Language: language}
	body = strings.TrimSpace(body)
	switch kind {
	case KindCompiledModule:
		parts := strings.Split(body, "/")
		if len(parts) != 3 {
			return fd, NewValidationError(StageValidation, fmt.Sprintf("compiled-module function '%s' must be module/component/name", body), nil)
		}
		fd.Module, fd.Component, fd.Name = parts[0], parts[1], parts[2]
	case KindSandboxedInterpreter:
		if script, name, ok := strings.Cut(body, "#"); ok {
			fd.Module, fd.Name = script, name
		} else {
			fd.Name = body
		}
	default:
		fd.Name = body
	}
	return fd, fd.Validate()
}
