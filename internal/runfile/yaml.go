package runfile

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// YAMLLoader decodes run files written in YAML.
type YAMLLoader struct{}

func (YAMLLoader) Format() string { return "yaml" }

func (YAMLLoader) Decode(data []byte, filename string) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, compute.NewValidationError(compute.StageValidation,
			fmt.Sprintf("failed to parse run file %s", filename), err)
	}
	return &f, nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, compute.NewNotFoundError(compute.StageValidation, fmt.Sprintf("run file '%s'", path), err)
	}
	return data, nil
}
