package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddOutputExportsWellKnownNames(t *testing.T) {
	require := require.New(t)

	s := newStackDefinition("flowgrid-dev-network", RoleNetwork, "")
	s.AddOutput("VpcId", Ref("Vpc"), "")
	s.AddOutput("SubnetIds", "subnet-1,subnet-2", "")
	s.AddOutput("AppSecurityGroupId", Ref("AppSecurityGroup"), "")

	for _, name := range []string{"VpcId", "SubnetIds", "AppSecurityGroupId"} {
		out, ok := s.Output(name)
		require.True(ok)
		require.True(out.Exported(), "output %s should be exported", name)
		require.Equal("flowgrid-dev-network-"+name, out.ExportName)
	}
}

func TestAddOutputKeepsInternalOutputsLocal(t *testing.T) {
	require := require.New(t)

	s := newStackDefinition("flowgrid-dev-storage", RoleStorage, "")
	s.AddOutput("AccessPointId", Ref("DataAccessPoint"), "")
	s.AddOutput("DashboardName", "ops", "")

	for _, name := range []string{"AccessPointId", "DashboardName"} {
		out, ok := s.Output(name)
		require.True(ok)
		require.False(out.Exported(), "output %s should stay stack-local", name)
	}
}

func TestAddResourceRejectsDuplicates(t *testing.T) {
	require := require.New(t)

	s := newStackDefinition("flowgrid-dev-network", RoleNetwork, "")
	require.NoError(s.AddResource("Vpc", Resource{Type: "AWS::EC2::VPC"}))
	require.Error(s.AddResource("Vpc", Resource{Type: "AWS::EC2::VPC"}))
	require.Equal([]string{"Vpc"}, s.ResourceIDs())
}

func TestResolveRefsAllocatesParameters(t *testing.T) {
	require := require.New(t)

	upstream := StackRef{Stack: "flowgrid-dev-network", Output: "VpcId"}
	s := newStackDefinition("flowgrid-dev-database", RoleDatabase, "")
	require.NoError(s.AddResource("SecurityGroup", Resource{
		Type: "AWS::EC2::SecurityGroup",
		Properties: map[string]interface{}{
			"VpcId": upstream,
			"Tags":  []interface{}{map[string]interface{}{"Key": "Name", "Value": upstream}},
		},
	}))

	s.resolveRefs(func(ref StackRef) string { return "NetworkVpcId" })

	require.Equal([]string{"NetworkVpcId"}, s.Parameters())
	require.Equal(upstream, s.Bindings["NetworkVpcId"])

	props := properties(t, s, "SecurityGroup")
	require.Equal(Ref("NetworkVpcId"), props["VpcId"])
	tag := props["Tags"].([]interface{})[0].(map[string]interface{})
	require.Equal(Ref("NetworkVpcId"), tag["Value"])
}

func TestResolveRefsReusesParameter(t *testing.T) {
	require := require.New(t)

	upstream := StackRef{Stack: "flowgrid-dev-network", Output: "SubnetIds"}
	s := newStackDefinition("flowgrid-dev-compute", RoleCompute, "")
	require.NoError(s.AddResource("A", Resource{
		Type:       "AWS::ECS::Service",
		Properties: map[string]interface{}{"Subnets": upstream},
	}))
	require.NoError(s.AddResource("B", Resource{
		Type:       "AWS::EFS::MountTarget",
		Properties: map[string]interface{}{"SubnetId": Select(0, Split(",", upstream))},
	}))

	s.resolveRefs(func(ref StackRef) string { return "NetworkSubnetIds" })

	require.Len(s.Parameters(), 1)
}

func TestResourcesOfType(t *testing.T) {
	require := require.New(t)

	s := newStackDefinition("flowgrid-dev-compute", RoleCompute, "")
	require.NoError(s.AddResource("WebhookDlq", Resource{Type: "AWS::SQS::Queue"}))
	require.NoError(s.AddResource("Cluster", Resource{Type: "AWS::ECS::Cluster"}))
	require.NoError(s.AddResource("WorkflowDlq", Resource{Type: "AWS::SQS::Queue"}))

	require.Equal([]string{"WebhookDlq", "WorkflowDlq"}, s.ResourcesOfType("AWS::SQS::Queue"))
}
