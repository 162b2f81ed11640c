package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopologicalOrder(t *testing.T) {
	require := require.New(t)

	g := NewGraph()
	for _, role := range []Role{RoleNetwork, RoleStorage, RoleDatabase, RoleCompute, RoleAccess, RoleMonitoring} {
		g.AddNode(role)
	}
	require.NoError(g.AddEdge(RoleNetwork, RoleStorage))
	require.NoError(g.AddEdge(RoleNetwork, RoleDatabase))
	require.NoError(g.AddEdge(RoleStorage, RoleCompute))
	require.NoError(g.AddEdge(RoleDatabase, RoleCompute))
	require.NoError(g.AddEdge(RoleCompute, RoleAccess))
	require.NoError(g.AddEdge(RoleCompute, RoleMonitoring))

	order, err := g.TopologicalOrder()
	require.NoError(err)
	require.Len(order, 6)

	position := make(map[Role]int)
	for i, role := range order {
		position[role] = i
	}
	require.True(position[RoleNetwork] < position[RoleStorage])
	require.True(position[RoleNetwork] < position[RoleDatabase])
	require.True(position[RoleStorage] < position[RoleCompute])
	require.True(position[RoleDatabase] < position[RoleCompute])
	require.True(position[RoleCompute] < position[RoleAccess])
	require.True(position[RoleCompute] < position[RoleMonitoring])
}

func TestTopologicalOrderDeterministic(t *testing.T) {
	require := require.New(t)

	build := func() []Role {
		g := NewGraph()
		g.AddNode(RoleNetwork)
		g.AddNode(RoleStorage)
		g.AddNode(RoleDatabase)
		require.NoError(g.AddEdge(RoleNetwork, RoleStorage))
		require.NoError(g.AddEdge(RoleNetwork, RoleDatabase))
		order, err := g.TopologicalOrder()
		require.NoError(err)
		return order
	}

	first := build()
	for i := 0; i < 10; i++ {
		require.Equal(first, build())
	}
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	require := require.New(t)

	g := NewGraph()
	g.AddNode(RoleNetwork)
	g.AddNode(RoleCompute)
	g.AddNode(RoleAccess)
	require.NoError(g.AddEdge(RoleNetwork, RoleCompute))
	require.NoError(g.AddEdge(RoleCompute, RoleAccess))

	err := g.AddEdge(RoleAccess, RoleNetwork)
	require.Error(err)

	// The failed edge must not have been recorded.
	require.False(g.HasEdge(RoleAccess, RoleNetwork))
	_, err = g.TopologicalOrder()
	require.NoError(err)
}

func TestAddEdgeRejectsSelfDependency(t *testing.T) {
	require := require.New(t)

	g := NewGraph()
	g.AddNode(RoleNetwork)
	require.Error(g.AddEdge(RoleNetwork, RoleNetwork))
}

func TestAddEdgeUnknownRole(t *testing.T) {
	require := require.New(t)

	g := NewGraph()
	g.AddNode(RoleNetwork)
	require.Error(g.AddEdge(RoleNetwork, RoleCompute))
	require.Error(g.AddEdge(RoleCompute, RoleNetwork))
}

func TestAddNodeIdempotent(t *testing.T) {
	require := require.New(t)

	g := NewGraph()
	g.AddNode(RoleNetwork)
	g.AddNode(RoleNetwork)
	order, err := g.TopologicalOrder()
	require.NoError(err)
	require.Equal([]Role{RoleNetwork}, order)
}
