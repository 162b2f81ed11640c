package cfn

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"

	"github.com/flowgrid/flowgrid/pkg/topology"
)

const templateFormatVersion = "2010-09-09"

type templateResource struct {
	Type       string                 `json:"Type"`
	Properties map[string]interface{} `json:"Properties,omitempty"`
	DependsOn  []string               `json:"DependsOn,omitempty"`
}

type templateParameter struct {
	Type        string `json:"Type"`
	Description string `json:"Description,omitempty"`
}

type templateExport struct {
	Name string `json:"Name"`
}

type templateOutput struct {
	Value       interface{}     `json:"Value"`
	Description string          `json:"Description,omitempty"`
	Export      *templateExport `json:"Export,omitempty"`
}

type template struct {
	AWSTemplateFormatVersion string                       `json:"AWSTemplateFormatVersion"`
	Description              string                       `json:"Description,omitempty"`
	Parameters               map[string]templateParameter `json:"Parameters,omitempty"`
	Resources                map[string]templateResource  `json:"Resources"`
	Outputs                  map[string]templateOutput    `json:"Outputs,omitempty"`
}

// Synthesize renders a stack definition into a CloudFormation
// template body. Map keys are sorted by the JSON encoder, so the
// same definition always produces the same body.
func Synthesize(s *topology.StackDefinition) (string, error) {
	t := template{
		AWSTemplateFormatVersion: templateFormatVersion,
		Description:              s.Description,
		Resources:                make(map[string]templateResource),
	}

	if params := s.Parameters(); len(params) > 0 {
		t.Parameters = make(map[string]templateParameter, len(params))
		for _, name := range params {
			ref := s.Bindings[name]
			t.Parameters[name] = templateParameter{
				Type:        "String",
				Description: fmt.Sprintf("Output %s of stack %s", ref.Output, ref.Stack),
			}
		}
	}

	for _, id := range s.ResourceIDs() {
		r, _ := s.Resource(id)
		t.Resources[id] = templateResource{
			Type:       r.Type,
			Properties: r.Properties,
			DependsOn:  r.DependsOn,
		}
	}
	if len(t.Resources) == 0 {
		return "", errors.Errorf("stack '%s' has no resources", s.Name)
	}

	if names := s.OutputNames(); len(names) > 0 {
		t.Outputs = make(map[string]templateOutput, len(names))
		for _, name := range names {
			o, _ := s.Output(name)
			out := templateOutput{
				Value:       o.Value,
				Description: o.Description,
			}
			if o.Exported() {
				out.Export = &templateExport{Name: o.ExportName}
			}
			t.Outputs[name] = out
		}
	}

	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", errors.Annotatef(err, "cannot marshal template for stack '%s'", s.Name)
	}
	return string(body), nil
}
