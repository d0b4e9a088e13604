package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Open(Config{InMemory: true, Dimension: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestCreateNode_FirstNodeAllowed(t *testing.T) {
	g := newTestGraph(t)
	id, err := g.CreateNode(CreateNodeOptions{Type: "concept", Properties: map[string]any{"name": "first"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestCreateNode_WithoutKeyAutoLinksToRoot(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.CreateNode(CreateNodeOptions{Type: "concept"})
	require.NoError(t, err)

	id, err := g.CreateNode(CreateNodeOptions{Type: "concept", Properties: map[string]any{"other": "widget"}})
	require.NoError(t, err)

	edges, err := g.GetEdges(id, DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, edges.Data, 1)
}

func TestCreateNode_OrphanRejectedForUnknownNamespace(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.CreateNode(CreateNodeOptions{Type: "concept"})
	require.NoError(t, err)

	_, err = g.CreateNode(CreateNodeOptions{Type: "concept", Properties: map[string]any{"key": "widgets/foo"}})
	var orphanErr *OrphanNodeError
	require.ErrorAs(t, err, &orphanErr)
}

func TestCreateNode_LinkToCreatesEdge(t *testing.T) {
	g := newTestGraph(t)
	first, err := g.CreateNode(CreateNodeOptions{Type: "concept"})
	require.NoError(t, err)

	second, err := g.CreateNode(CreateNodeOptions{Type: "concept", LinkTo: first})
	require.NoError(t, err)

	edges, err := g.GetEdges(second, DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, edges.Data, 1)
	require.Equal(t, "linked_to", edges.Data[0].Type)
	require.Equal(t, first, edges.Data[0].Target)
}

func TestCreateNode_WellKnownNamespaceAutoLinksToRoot(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.CreateNode(CreateNodeOptions{Type: "concept"})
	require.NoError(t, err)

	id, err := g.CreateNode(CreateNodeOptions{Type: "note", Properties: map[string]any{"key": "project/alpha"}})
	require.NoError(t, err)

	edges, err := g.GetEdges(id, DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, edges.Data, 1)
	require.Equal(t, RootNodeID, edges.Data[0].Target)
}

func TestCreateNode_UpsertByKey(t *testing.T) {
	g := newTestGraph(t)
	id1, err := g.CreateNode(CreateNodeOptions{Type: "note", Properties: map[string]any{"key": "project/alpha", "v": 1}})
	require.NoError(t, err)

	id2, err := g.CreateNode(CreateNodeOptions{Type: "note", Properties: map[string]any{"key": "project/alpha", "v": 2}})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	n, err := g.GetNode(id1)
	require.NoError(t, err)
	require.Equal(t, float64(2), n.Properties["v"])
}

func TestCreateEdge_RequiresBothEndpoints(t *testing.T) {
	g := newTestGraph(t)
	a, err := g.CreateNode(CreateNodeOptions{Type: "x"})
	require.NoError(t, err)

	_, err = g.CreateEdge(CreateEdgeOptions{Source: a, Target: "missing", Type: "rel"})
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestCreateHyperedge_RequiresArityThree(t *testing.T) {
	g := newTestGraph(t)
	a, _ := g.CreateNode(CreateNodeOptions{Type: "x"})
	b, _ := g.CreateNode(CreateNodeOptions{Type: "x", LinkTo: a})

	_, err := g.CreateHyperedge(CreateHyperedgeOptions{Nodes: []string{a, b}, Type: "group"})
	var invalidErr *InvalidHyperedgeError
	require.ErrorAs(t, err, &invalidErr)
	require.Equal(t, 2, invalidErr.Count)
}

func TestCreateHyperedge_Succeeds(t *testing.T) {
	g := newTestGraph(t)
	a, _ := g.CreateNode(CreateNodeOptions{Type: "x"})
	b, _ := g.CreateNode(CreateNodeOptions{Type: "x", LinkTo: a})
	c, _ := g.CreateNode(CreateNodeOptions{Type: "x", LinkTo: a})

	id, err := g.CreateHyperedge(CreateHyperedgeOptions{Nodes: []string{a, b, c}, Type: "group"})
	require.NoError(t, err)

	h, err := g.GetHyperedge(id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a, b, c}, h.Nodes)
	require.False(t, h.IsExpired(h.CreatedAt))
}

func TestTraverseHops_DepthZeroReturnsStart(t *testing.T) {
	g := newTestGraph(t)
	a, _ := g.CreateNode(CreateNodeOptions{Type: "x"})

	res, err := g.TraverseHops(context.Background(), a, 0)
	require.NoError(t, err)
	require.Equal(t, []string{a}, res.Data)
}

func TestTraverseHops_MultiHop(t *testing.T) {
	g := newTestGraph(t)
	a, _ := g.CreateNode(CreateNodeOptions{Type: "x"})
	b, _ := g.CreateNode(CreateNodeOptions{Type: "x", LinkTo: a})
	c, _ := g.CreateNode(CreateNodeOptions{Type: "x", LinkTo: b})

	res, err := g.TraverseHops(context.Background(), a, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a, b, c}, res.Data)
}

func TestDeleteNode_CascadesEdges(t *testing.T) {
	g := newTestGraph(t)
	a, _ := g.CreateNode(CreateNodeOptions{Type: "x"})
	b, _ := g.CreateNode(CreateNodeOptions{Type: "x", LinkTo: a})

	require.NoError(t, g.DeleteNode(b))
	_, err := g.GetNode(b)
	require.ErrorIs(t, err, ErrNodeNotFound)

	edges, err := g.GetEdges(a, DirectionBoth)
	require.NoError(t, err)
	require.Empty(t, edges.Data)
}

func TestValidateIntegrity_DetectsOrphanAfterUnlink(t *testing.T) {
	g := newTestGraph(t)
	a, _ := g.CreateNode(CreateNodeOptions{Type: "x"})
	b, _ := g.CreateNode(CreateNodeOptions{Type: "x", LinkTo: a})

	edges, err := g.GetEdges(b, DirectionOutgoing)
	require.NoError(t, err)
	require.NoError(t, g.DeleteEdge(edges.Data[0].ID))

	report, err := g.ValidateIntegrity()
	require.NoError(t, err)
	require.Contains(t, report.OrphanNodes, b)
	require.False(t, report.IsValid)
}

func TestQueryNodes_FiltersByNamespace(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.CreateNode(CreateNodeOptions{Type: "x"})
	require.NoError(t, err)
	_, err = g.CreateNode(CreateNodeOptions{Type: "note", Properties: map[string]any{"key": "project/one"}})
	require.NoError(t, err)
	_, err = g.CreateNode(CreateNodeOptions{Type: "note", Properties: map[string]any{"key": "project/two"}})
	require.NoError(t, err)

	res, err := g.QueryNodes(NodeQuery{Namespace: "project"})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
}
