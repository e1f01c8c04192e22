package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// Interpreter runs scripts in a sandboxed interpreter. Only Go scripts
// (package main) are supported; a script exposes functions shaped as
//
//	func(data []float64) []float64
//	func(data []float64) ([]float64, error)
//	func(data []float64, args map[string]interface{}) ([]float64, error)
//
// Each script is interpreted once per unit and the warmed interpreter is
// reused by later tasks.
type Interpreter struct {
	language  string
	scriptDir string
	programs  map[string]*interp.Interpreter
}

// NewInterpreter returns a factory of interpreter backends for language.
// Script paths in function descriptors are resolved under scriptDir.
func NewInterpreter(language, scriptDir string) Factory {
	return func() (Backend, error) {
		return &Interpreter{
			language:  language,
			scriptDir: scriptDir,
			programs:  make(map[string]*interp.Interpreter),
		}, nil
	}
}

func (b *Interpreter) Kind() compute.BackendKind { return compute.KindSandboxedInterpreter }

// Language returns the script language this backend runs.
func (b *Interpreter) Language() string { return b.language }

func (b *Interpreter) Execute(ctx context.Context, fn compute.FunctionDescriptor, data []float64, args map[string]interface{}) ([]float64, error) {
	if b.language != "go" {
		return nil, fmt.Errorf("interpreter for language %q is not available", b.language)
	}
	prog, err := b.program(fn, args)
	if err != nil {
		return nil, err
	}
	value, err := prog.Eval(fn.Name)
	if err != nil {
		return nil, fmt.Errorf("script function %s: %w", fn.Name, err)
	}

	type outcome struct {
		out []float64
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("script function %s panicked: %v", fn.Name, r)}
			}
		}()
		out, err := invokeScriptFunc(value, data, args)
		done <- outcome{out: out, err: err}
	}()

	// Interpreted code cannot observe ctx; the unit is torn down on cancel.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.out, res.err
	}
}

func (b *Interpreter) program(fn compute.FunctionDescriptor, args map[string]interface{}) (*interp.Interpreter, error) {
	var key, path, src string
	switch {
	case fn.Module != "":
		path = fn.Module
		if !filepath.IsAbs(path) && b.scriptDir != "" {
			path = filepath.Join(b.scriptDir, path)
		}
		key = "file:" + path
	case argString(args, "source", "") != "":
		src = argString(args, "source", "")
		sum := sha256.Sum256([]byte(src))
		key = "src:" + hex.EncodeToString(sum[:])
	default:
		return nil, fmt.Errorf("script function %s has neither a script path nor a 'source' argument", fn.Name)
	}
	if prog, ok := b.programs[key]; ok {
		return prog, nil
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load interpreter symbols: %w", err)
	}
	if path != "" {
		code, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", path, err)
		}
		if len(strings.TrimSpace(string(code))) == 0 {
			return nil, fmt.Errorf("script %s is empty", path)
		}
		if _, err := i.EvalPath(path); err != nil {
			return nil, fmt.Errorf("interpret %s: %w", path, err)
		}
	} else if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("interpret inline source: %w", err)
	}
	b.programs[key] = i
	return i, nil
}

func invokeScriptFunc(fn reflect.Value, data []float64, args map[string]interface{}) ([]float64, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("script symbol is not a function")
	}
	var in []reflect.Value
	switch fn.Type().NumIn() {
	case 1:
		in = []reflect.Value{reflect.ValueOf(data)}
	case 2:
		if args == nil {
			args = map[string]interface{}{}
		}
		in = []reflect.Value{reflect.ValueOf(data), reflect.ValueOf(args)}
	default:
		return nil, fmt.Errorf("script function must take ([]float64) or ([]float64, map[string]interface{})")
	}
	results := fn.Call(in)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("script function must return []float64 or ([]float64, error)")
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("script function returned non-error second value")
	}
	out, ok := results[0].Interface().([]float64)
	if !ok {
		return nil, fmt.Errorf("script function returned %T, want []float64", results[0].Interface())
	}
	return out, nil
}

func (b *Interpreter) Close() error {
	b.programs = make(map[string]*interp.Interpreter)
	return nil
}
