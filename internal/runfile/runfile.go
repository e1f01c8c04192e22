// Package runfile loads run requests from YAML or HCL files.
//
// A run file names its tasks so that dependencies can be written by ID:
//
//	name: smoothing
//	linked: true
//	steps:
//	  - data: [1, 2, 3, 4]
//	    split: true
//	    partition: interleaved
//	    tasks:
//	      - id: ema
//	        function: native:expo_moving_average
//	        args: {alpha: 0.5}
//	      - id: total
//	        function: native:sum
//	        depends_on: [ema]
package runfile

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/hydrocompute/internal/graph"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// File is a parsed run file.
type File struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Linked      bool   `yaml:"linked"`
	Steps       []Step `yaml:"steps"`
}

// Step is one stage of a run file.
type Step struct {
	Name      string    `yaml:"name"`
	Data      []float64 `yaml:"data"`
	DataID    string    `yaml:"data_id"`
	Split     bool      `yaml:"split"`
	Partition string    `yaml:"partition"`
	Tasks     []Task    `yaml:"tasks"`
}

// Task is one function invocation of a step.
type Task struct {
	ID        string                 `yaml:"id"`
	Function  string                 `yaml:"function"`
	Args      map[string]interface{} `yaml:"args"`
	DependsOn []string               `yaml:"depends_on"`
}

// Loader decodes a run file from raw bytes.
type Loader interface {
	Decode(data []byte, filename string) (*File, error)
	Format() string
}

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{}
	byExt     = map[string]string{}
)

// RegisterLoader registers a loader for its format and the given file
// extensions (with leading dot).
func RegisterLoader(l Loader, exts ...string) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[l.Format()] = l
	for _, ext := range exts {
		byExt[strings.ToLower(ext)] = l.Format()
	}
}

// GetLoader retrieves a loader by format name.
func GetLoader(format string) (Loader, bool) {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	l, ok := loaders[format]
	return l, ok
}

// LoaderFor picks a loader from the file extension of path.
func LoaderFor(path string) (Loader, error) {
	loadersMu.RLock()
	format, ok := byExt[strings.ToLower(filepath.Ext(path))]
	loadersMu.RUnlock()
	if !ok {
		return nil, compute.NewValidationError(compute.StageValidation,
			fmt.Sprintf("no run file loader for %q", filepath.Ext(path)), nil)
	}
	l, _ := GetLoader(format)
	return l, nil
}

func init() {
	RegisterLoader(YAMLLoader{}, ".yaml", ".yml")
	RegisterLoader(HCLLoader{}, ".hcl")
}

// Validate checks task IDs, dependency references, partition modes and
// rejects dependency cycles.
func (f *File) Validate() error {
	if len(f.Steps) == 0 {
		return compute.NewValidationError(compute.StageValidation, "run file has no steps", nil)
	}
	for i, s := range f.Steps {
		if len(s.Tasks) == 0 {
			return compute.NewValidationError(compute.StageValidation, fmt.Sprintf("step %d has no tasks", i), nil)
		}
		switch compute.PartitionMode(s.Partition) {
		case "", compute.PartitionContiguous, compute.PartitionInterleaved:
		default:
			return compute.NewValidationError(compute.StageValidation,
				fmt.Sprintf("step %d has unknown partition mode %q", i, s.Partition), nil)
		}
		deps, err := s.dependencies(i)
		if err != nil {
			return err
		}
		g, err := graph.New(deps)
		if err != nil {
			return err
		}
		if _, err := g.TopologicalOrder(); err != nil {
			return err
		}
	}
	return nil
}

// dependencies resolves the ID references of a step into task indices.
func (s Step) dependencies(step int) ([][]int, error) {
	ids := make(map[string]int, len(s.Tasks))
	for j, t := range s.Tasks {
		if strings.TrimSpace(t.Function) == "" {
			return nil, compute.NewValidationError(compute.StageValidation,
				fmt.Sprintf("step %d task %d has no function", step, j), nil)
		}
		if t.ID == "" {
			continue
		}
		if _, exists := ids[t.ID]; exists {
			return nil, compute.NewValidationError(compute.StageValidation,
				fmt.Sprintf("step %d has duplicate task id %q", step, t.ID), nil)
		}
		ids[t.ID] = j
	}
	deps := make([][]int, len(s.Tasks))
	for j, t := range s.Tasks {
		for _, ref := range t.DependsOn {
			d, ok := ids[ref]
			if !ok {
				return nil, compute.NewValidationError(compute.StageValidation,
					fmt.Sprintf("step %d task %q depends on missing task %q", step, t.ID, ref), nil)
			}
			deps[j] = append(deps[j], d)
		}
	}
	return deps, nil
}

// ToRequest converts a validated file into a run request.
func (f *File) ToRequest() (*compute.RunRequest, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	n := len(f.Steps)
	req := &compute.RunRequest{
		Functions:      make([][]string, n),
		Args:           make([][]map[string]interface{}, n),
		Data:           make([][]float64, n),
		DataIDs:        make([]string, n),
		Dependencies:   make([][][]int, n),
		Linked:         f.Linked,
		SplitPerStep:   make([]bool, n),
		PartitionModes: make([]compute.PartitionMode, n),
	}
	for i, s := range f.Steps {
		deps, _ := s.dependencies(i)
		req.Dependencies[i] = deps
		req.Data[i] = s.Data
		req.DataIDs[i] = s.DataID
		req.SplitPerStep[i] = s.Split
		req.PartitionModes[i] = compute.PartitionMode(s.Partition)
		req.Functions[i] = make([]string, len(s.Tasks))
		req.Args[i] = make([]map[string]interface{}, len(s.Tasks))
		for j, t := range s.Tasks {
			req.Functions[i][j] = strings.TrimSpace(t.Function)
			req.Args[i][j] = t.Args
		}
	}
	return req, nil
}

// Load reads path with the loader registered for its extension and
// validates the result.
func Load(path string) (*File, error) {
	l, err := LoaderFor(path)
	if err != nil {
		return nil, err
	}
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	f, err := l.Decode(data, path)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadRequest loads path and converts it into a run request.
func LoadRequest(path string) (*compute.RunRequest, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return f.ToRequest()
}
