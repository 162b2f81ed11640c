package topology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/pkg/config"
)

func TestComposeOrdersStacks(t *testing.T) {
	require := require.New(t)

	d := compose(t, "production", config.Settings{
		Database: &config.DatabaseConfig{Enabled: true},
	})

	require.Len(d.Stacks, 6)
	position := make(map[Role]int)
	for i, s := range d.Stacks {
		position[s.Role] = i
	}
	require.True(position[RoleNetwork] < position[RoleStorage])
	require.True(position[RoleNetwork] < position[RoleDatabase])
	require.True(position[RoleStorage] < position[RoleCompute])
	require.True(position[RoleDatabase] < position[RoleCompute])
	require.True(position[RoleCompute] < position[RoleAccess])
	require.True(position[RoleCompute] < position[RoleMonitoring])
	require.True(position[RoleAccess] < position[RoleMonitoring])
}

func TestComposeWithoutDatabase(t *testing.T) {
	require := require.New(t)

	d := compose(t, "development", config.Settings{})
	require.Len(d.Stacks, 5)
	require.Nil(d.Database)
	require.Nil(d.Stack(RoleDatabase))

	// The compute stack must not depend on the absent database.
	compute := d.Stack(RoleCompute)
	require.NotNil(compute)
	require.False(compute.dependsOnRole(RoleDatabase))
}

func TestComposeStackNaming(t *testing.T) {
	require := require.New(t)

	d := compose(t, "staging", config.Settings{})
	require.Equal("flowgrid-staging-network", d.Stack(RoleNetwork).Name)
	require.Equal("flowgrid-staging-compute", d.Stack(RoleCompute).Name)
}

func TestComposeExports(t *testing.T) {
	require := require.New(t)

	d := compose(t, "development", config.Settings{
		Database: &config.DatabaseConfig{Enabled: true},
	})

	for _, key := range []string{
		"flowgrid-development-network-VpcId",
		"flowgrid-development-network-SubnetIds",
		"flowgrid-development-network-AppSecurityGroupId",
		"flowgrid-development-storage-FileSystemId",
		"flowgrid-development-database-DatabaseEndpoint",
		"flowgrid-development-compute-ClusterArn",
		"flowgrid-development-compute-ServiceArn",
		"flowgrid-development-access-ApiUrl",
	} {
		require.Contains(d.Exports, key)
	}

	// Stack-local outputs must not be exported.
	require.NotContains(d.Exports, "flowgrid-development-storage-AccessPointId")
}

func TestComposeBindsUpstreamOutputs(t *testing.T) {
	require := require.New(t)

	d := compose(t, "development", config.Settings{})

	compute := d.Stack(RoleCompute)
	require.Equal(StackRef{Stack: "flowgrid-development-storage", Output: "FileSystemId"},
		compute.Bindings["StorageFileSystemId"])
	require.Equal(StackRef{Stack: "flowgrid-development-network", Output: "SubnetIds"},
		compute.Bindings["NetworkSubnetIds"])

	storage := d.Stack(RoleStorage)
	require.Equal(StackRef{Stack: "flowgrid-development-network", Output: "StorageSecurityGroupId"},
		storage.Bindings["NetworkStorageSecurityGroupId"])
}

func TestComposeAppliesStackTags(t *testing.T) {
	require := require.New(t)

	d := compose(t, "production", config.Settings{})
	for _, s := range d.Stacks {
		require.Equal("production", s.Tags["Environment"])
		require.Equal(s.Name, s.Tags["Stack"])
		require.Equal("flowgrid", s.Tags["ProjectName"])
		require.Equal("acme", s.Tags["Organization"])
		require.True(s.TerminationProtection)
	}
}

func TestComposeNonProductionTerminationProtection(t *testing.T) {
	require := require.New(t)

	d := compose(t, "development", config.Settings{})
	for _, s := range d.Stacks {
		require.False(s.TerminationProtection)
	}
}

func TestComposeUnknownEnvironment(t *testing.T) {
	require := require.New(t)

	_, err := Compose(testConfig("development", config.Settings{}), "production")
	require.Error(err)
}
