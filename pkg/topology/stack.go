package topology

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// Value is a resource property value: a literal, a CloudFormation
// intrinsic produced by Ref/GetAtt/Sub and friends, or a StackRef
// pointing at another stack's output.
type Value interface{}

// StackRef is a reference to an output of another stack. During
// composition it is replaced by a template parameter which the
// deployer binds to the producing stack's output value.
type StackRef struct {
	Stack  string
	Output string
}

// Ref returns a CloudFormation Ref intrinsic.
func Ref(logicalID string) Value {
	return map[string]interface{}{"Ref": logicalID}
}

// GetAtt returns a CloudFormation Fn::GetAtt intrinsic.
func GetAtt(logicalID, attribute string) Value {
	return map[string]interface{}{"Fn::GetAtt": []interface{}{logicalID, attribute}}
}

// Sub returns a CloudFormation Fn::Sub intrinsic.
func Sub(expr string) Value {
	return map[string]interface{}{"Fn::Sub": expr}
}

// Join returns a CloudFormation Fn::Join intrinsic.
func Join(sep string, parts ...Value) Value {
	list := make([]interface{}, len(parts))
	for i, p := range parts {
		list[i] = p
	}
	return map[string]interface{}{"Fn::Join": []interface{}{sep, list}}
}

// Select returns a CloudFormation Fn::Select intrinsic.
func Select(index int, list Value) Value {
	return map[string]interface{}{"Fn::Select": []interface{}{index, list}}
}

// Split returns a CloudFormation Fn::Split intrinsic.
func Split(sep string, v Value) Value {
	return map[string]interface{}{"Fn::Split": []interface{}{sep, v}}
}

// GetAZs returns a CloudFormation Fn::GetAZs intrinsic for the
// current region.
func GetAZs() Value {
	return map[string]interface{}{"Fn::GetAZs": ""}
}

// Resource is one desired resource inside a stack.
type Resource struct {
	Type       string
	Properties map[string]interface{}
	DependsOn  []string
}

// Output is a named value published by a stack. Outputs whose
// name matches the exportable set additionally carry a globally
// addressable export key.
type Output struct {
	Value       Value
	Description string
	ExportName  string
}

// Exported reports whether the output is globally addressable.
func (o Output) Exported() bool {
	return o.ExportName != ""
}

// Role identifies one of the six fixed stack roles.
type Role string

const (
	RoleNetwork    Role = "network"
	RoleStorage    Role = "storage"
	RoleDatabase   Role = "database"
	RoleCompute    Role = "compute"
	RoleAccess     Role = "access"
	RoleMonitoring Role = "monitoring"
)

// exportableOutputs is the fixed set of well-known output name
// fragments that are published under a globally addressable
// export key. Downstream tooling depends on the resulting
// '{stackName}-{outputName}' key format, so this set and the key
// format must not change.
var exportableOutputs = []string{
	"VpcId",
	"SubnetIds",
	"SecurityGroupId",
	"ClusterArn",
	"ServiceArn",
	"LoadBalancerUrl",
	"ApiUrl",
	"DatabaseEndpoint",
	"FileSystemId",
}

// shouldExport reports whether an output name belongs to the
// well-known exportable set.
func shouldExport(name string) bool {
	for _, fragment := range exportableOutputs {
		if strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}

// StackDefinition is the desired state of one stack: its
// resources, outputs, parameters and explicit dependencies.
// It is produced exactly once per role per environment and is
// read-only for downstream consumers.
type StackDefinition struct {
	Name        string
	Role        Role
	Description string

	// TerminationProtection is set for production-class
	// environments.
	TerminationProtection bool

	Tags map[string]string

	// DependsOn lists the roles whose stacks must be provisioned
	// before this one, independent of resource references.
	DependsOn []Role

	resources   map[string]Resource
	resourceIDs []string

	outputs   map[string]Output
	outputIDs []string

	// Bindings maps template parameter names to the upstream
	// stack outputs that fill them at deploy time.
	Bindings map[string]StackRef
	params   []string
}

func newStackDefinition(name string, role Role, description string) *StackDefinition {
	return &StackDefinition{
		Name:        name,
		Role:        role,
		Description: description,
		resources:   make(map[string]Resource),
		outputs:     make(map[string]Output),
		Bindings:    make(map[string]StackRef),
	}
}

// AddResource adds a resource under the given logical ID.
func (s *StackDefinition) AddResource(logicalID string, r Resource) error {
	if logicalID == "" {
		return errors.Errorf("resource logical ID is empty")
	}
	if _, ok := s.resources[logicalID]; ok {
		return errors.Errorf("duplicate resource '%s' in stack '%s'", logicalID, s.Name)
	}
	s.resources[logicalID] = r
	s.resourceIDs = append(s.resourceIDs, logicalID)
	return nil
}

// mustResource is AddResource for composition code where logical
// IDs are compile-time constants and duplicates are programming
// errors.
func (s *StackDefinition) mustResource(logicalID string, r Resource) {
	if err := s.AddResource(logicalID, r); err != nil {
		panic(err)
	}
}

// Resource returns the resource registered under logicalID.
func (s *StackDefinition) Resource(logicalID string) (Resource, bool) {
	r, ok := s.resources[logicalID]
	return r, ok
}

// ResourceIDs returns the logical IDs in declaration order.
func (s *StackDefinition) ResourceIDs() []string {
	ids := make([]string, len(s.resourceIDs))
	copy(ids, s.resourceIDs)
	return ids
}

// ResourcesOfType returns the logical IDs of all resources of the
// given CloudFormation type, in declaration order.
func (s *StackDefinition) ResourcesOfType(resourceType string) []string {
	var ids []string
	for _, id := range s.resourceIDs {
		if s.resources[id].Type == resourceType {
			ids = append(ids, id)
		}
	}
	return ids
}

// AddOutput registers a named output. Outputs matching the
// well-known exportable set are published under the export key
// '{stackName}-{outputName}'; all others stay stack-local.
func (s *StackDefinition) AddOutput(name string, value Value, description string) {
	if description == "" {
		description = fmt.Sprintf("%s for %s", name, s.Name)
	}
	out := Output{Value: value, Description: description}
	if shouldExport(name) {
		out.ExportName = s.ExportKey(name)
	}
	if _, ok := s.outputs[name]; !ok {
		s.outputIDs = append(s.outputIDs, name)
	}
	s.outputs[name] = out
}

// Output returns the output registered under name.
func (s *StackDefinition) Output(name string) (Output, bool) {
	o, ok := s.outputs[name]
	return o, ok
}

// OutputNames returns output names in declaration order.
func (s *StackDefinition) OutputNames() []string {
	names := make([]string, len(s.outputIDs))
	copy(names, s.outputIDs)
	return names
}

// ExportKey returns the globally addressable key an exported
// output of this stack is published under.
func (s *StackDefinition) ExportKey(outputName string) string {
	return fmt.Sprintf("%s-%s", s.Name, outputName)
}

// OutputRef returns a StackRef to one of this stack's outputs,
// for consumption by a downstream stack.
func (s *StackDefinition) OutputRef(outputName string) StackRef {
	return StackRef{Stack: s.Name, Output: outputName}
}

// Parameters returns the parameter names in allocation order.
func (s *StackDefinition) Parameters() []string {
	params := make([]string, len(s.params))
	copy(params, s.params)
	return params
}

// dependsOnRole reports whether role is already declared as an
// explicit dependency.
func (s *StackDefinition) dependsOnRole(role Role) bool {
	for _, r := range s.DependsOn {
		if r == role {
			return true
		}
	}
	return false
}

// resolveRefs walks all resource properties and outputs, replaces
// every StackRef with a Ref to an allocated template parameter
// and records the binding. It is called once by the orchestrator
// after a stack is fully built.
func (s *StackDefinition) resolveRefs(stackParamName func(StackRef) string) {
	for id, r := range s.resources {
		r.Properties = s.resolveValue(r.Properties, stackParamName).(map[string]interface{})
		s.resources[id] = r
	}
	for name, o := range s.outputs {
		o.Value = s.resolveValue(o.Value, stackParamName)
		s.outputs[name] = o
	}
}

func (s *StackDefinition) resolveValue(v interface{}, stackParamName func(StackRef) string) interface{} {
	switch value := v.(type) {
	case StackRef:
		name := stackParamName(value)
		if _, ok := s.Bindings[name]; !ok {
			s.Bindings[name] = value
			s.params = append(s.params, name)
		}
		return Ref(name)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(value))
		for k, item := range value {
			resolved[k] = s.resolveValue(item, stackParamName)
		}
		return resolved
	case []interface{}:
		resolved := make([]interface{}, len(value))
		for i, item := range value {
			resolved[i] = s.resolveValue(item, stackParamName)
		}
		return resolved
	case []Value:
		resolved := make([]interface{}, len(value))
		for i, item := range value {
			resolved[i] = s.resolveValue(item, stackParamName)
		}
		return resolved
	default:
		return v
	}
}
