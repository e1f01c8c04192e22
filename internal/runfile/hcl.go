package runfile

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// HCLLoader decodes run files written in HCL:
//
//	name   = "smoothing"
//	linked = true
//
//	step "prepare" {
//	  data  = [1, 2, 3, 4]
//	  split = true
//
//	  task "ema" {
//	    function = "native:expo_moving_average"
//	    args     = { alpha = 0.5 }
//	  }
//	}
type HCLLoader struct{}

type hclFile struct {
	Name        string    `hcl:"name,optional"`
	Description string    `hcl:"description,optional"`
	Linked      bool      `hcl:"linked,optional"`
	Steps       []hclStep `hcl:"step,block"`
}

type hclStep struct {
	Name      string    `hcl:"name,label"`
	Data      []float64 `hcl:"data,optional"`
	DataID    string    `hcl:"data_id,optional"`
	Split     bool      `hcl:"split,optional"`
	Partition string    `hcl:"partition,optional"`
	Tasks     []hclTask `hcl:"task,block"`
}

type hclTask struct {
	ID        string    `hcl:"id,label"`
	Function  string    `hcl:"function"`
	Args      cty.Value `hcl:"args,optional"`
	DependsOn []string  `hcl:"depends_on,optional"`
}

func (HCLLoader) Format() string { return "hcl" }

func (HCLLoader) Decode(data []byte, filename string) (*File, error) {
	parsed, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, hclError(filename, diags)
	}
	var hf hclFile
	if diags := gohcl.DecodeBody(parsed.Body, nil, &hf); diags.HasErrors() {
		return nil, hclError(filename, diags)
	}

	f := &File{
		Name:        hf.Name,
		Description: hf.Description,
		Linked:      hf.Linked,
		Steps:       make([]Step, len(hf.Steps)),
	}
	for i, hs := range hf.Steps {
		s := Step{
			Name:      hs.Name,
			Data:      hs.Data,
			DataID:    hs.DataID,
			Split:     hs.Split,
			Partition: hs.Partition,
			Tasks:     make([]Task, len(hs.Tasks)),
		}
		for j, ht := range hs.Tasks {
			args, err := argsFromCty(ht.Args)
			if err != nil {
				return nil, compute.NewValidationError(compute.StageValidation,
					fmt.Sprintf("%s: step %q task %q has invalid args", filename, hs.Name, ht.ID), err)
			}
			s.Tasks[j] = Task{
				ID:        ht.ID,
				Function:  ht.Function,
				Args:      args,
				DependsOn: ht.DependsOn,
			}
		}
		f.Steps[i] = s
	}
	return f, nil
}

func hclError(filename string, diags hcl.Diagnostics) error {
	return compute.NewValidationError(compute.StageValidation,
		fmt.Sprintf("failed to parse run file %s", filename), diags)
}

func argsFromCty(v cty.Value) (map[string]interface{}, error) {
	if v.Type() == cty.NilType || v.IsNull() {
		return nil, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("args must be an object, got %s", v.Type().FriendlyName())
	}
	out, err := fromCty(v)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// fromCty converts a known cty value into plain Go values: strings, float64,
// bools, slices and string-keyed maps.
func fromCty(v cty.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]interface{}, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			gv, err := fromCty(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]interface{}, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			gv, err := fromCty(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
