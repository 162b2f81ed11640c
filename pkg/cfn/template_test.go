package cfn

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/pkg/config"
	"github.com/flowgrid/flowgrid/pkg/topology"
)

const templateTestConfig = `
version: "1.0"
global:
  project_name: flowgrid
  organization: acme
environments:
  development:
    account: "111111111111"
    region: eu-west-1
    settings:
      fargate:
        image: example/app:1.0
`

func composeTestDeployment(t *testing.T) *topology.Deployment {
	cfg, err := config.Load(strings.NewReader(templateTestConfig))
	require.NoError(t, err)
	d, err := topology.Compose(cfg, "development")
	require.NoError(t, err)
	return d
}

func TestSynthesize_network(t *testing.T) {
	require := require.New(t)

	d := composeTestDeployment(t)
	network := d.Stack(topology.RoleNetwork)
	require.NotNil(network)

	body, err := Synthesize(network)
	require.NoError(err)

	var tpl map[string]interface{}
	require.NoError(json.Unmarshal([]byte(body), &tpl))

	require.Equal("2010-09-09", tpl["AWSTemplateFormatVersion"])

	resources := tpl["Resources"].(map[string]interface{})
	vpc := resources["Vpc"].(map[string]interface{})
	require.Equal("AWS::EC2::VPC", vpc["Type"])
	props := vpc["Properties"].(map[string]interface{})
	require.Equal("10.0.0.0/16", props["CidrBlock"])

	outputs := tpl["Outputs"].(map[string]interface{})
	vpcID := outputs["VpcId"].(map[string]interface{})
	export := vpcID["Export"].(map[string]interface{})
	require.Equal("flowgrid-development-network-VpcId", export["Name"])

	// no upstream stacks, so no parameters either
	require.Nil(tpl["Parameters"])
}

func TestSynthesize_parametersFromBindings(t *testing.T) {
	require := require.New(t)

	d := composeTestDeployment(t)
	storage := d.Stack(topology.RoleStorage)
	require.NotNil(storage)

	body, err := Synthesize(storage)
	require.NoError(err)

	var tpl map[string]interface{}
	require.NoError(json.Unmarshal([]byte(body), &tpl))

	params := tpl["Parameters"].(map[string]interface{})
	for name, ref := range storage.Bindings {
		p, ok := params[name].(map[string]interface{})
		require.True(ok, "missing parameter %s", name)
		require.Equal("String", p["Type"])
		require.Contains(p["Description"], ref.Stack)
	}

	// bound values surface as plain Refs inside resources
	require.Contains(body, `"Ref": "NetworkStorageSecurityGroupId"`)
}

func TestSynthesize_deterministic(t *testing.T) {
	require := require.New(t)

	d := composeTestDeployment(t)
	compute := d.Stack(topology.RoleCompute)
	require.NotNil(compute)

	first, err := Synthesize(compute)
	require.NoError(err)
	second, err := Synthesize(compute)
	require.NoError(err)
	require.Equal(first, second)
}

func TestSynthesize_emptyStack(t *testing.T) {
	require := require.New(t)

	_, err := Synthesize(&topology.StackDefinition{Name: "flowgrid-dev-empty"})
	require.Error(err)
}
