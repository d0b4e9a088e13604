package linker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/god-agent/agentdb/pkg/episode"
)

func newTestLinker(t *testing.T) (*Linker, *episode.Store) {
	t.Helper()
	store, err := episode.Open(episode.Config{Path: ":memory:", Dimension: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	l, err := New(store)
	require.NoError(t, err)
	return l, store
}

func mustCreate(t *testing.T, store *episode.Store, taskID string) string {
	t.Helper()
	id, err := store.CreateEpisode(episode.CreateOptions{TaskID: taskID, StartTime: time.Now(), Metadata: validMeta()})
	require.NoError(t, err)
	return id
}

// validMeta returns metadata carrying the fields the episode store requires.
func validMeta() map[string]any {
	return map[string]any{"agentType": "planner", "taskDescription": "run the thing"}
}

func TestLinkEpisodes_RejectsSelfLink(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")

	err := l.LinkEpisodes(a, a, "ref")
	require.ErrorIs(t, err, ErrSelfLink)
}

func TestLinkEpisodes_RejectsMissingEndpoint(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")

	err := l.LinkEpisodes(a, "missing", "ref")
	require.ErrorIs(t, err, ErrEndpointNotFound)
}

func TestLinkEpisodes_Succeeds(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")
	b := mustCreate(t, store, "t")

	require.NoError(t, l.LinkEpisodes(a, b, "ref"))
	require.ElementsMatch(t, []string{b}, l.GetLinkedEpisodes(a, DirectionOutgoing))
	require.ElementsMatch(t, []string{a}, l.GetLinkedEpisodes(b, DirectionIncoming))
}

func TestLinkEpisodes_RejectsCycleInSequenceLinks(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")
	b := mustCreate(t, store, "t")
	c := mustCreate(t, store, "t")

	require.NoError(t, l.LinkEpisodes(a, b, SequenceLinkType))
	require.NoError(t, l.LinkEpisodes(b, c, SequenceLinkType))

	err := l.LinkEpisodes(c, a, SequenceLinkType)
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestLinkEpisodes_NonSequenceTypeAllowsCycle(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")
	b := mustCreate(t, store, "t")

	require.NoError(t, l.LinkEpisodes(a, b, "ref"))
	require.NoError(t, l.LinkEpisodes(b, a, "ref"))
}

func TestLinkEpisodes_RejectsTooManyOutgoing(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")

	for i := 0; i < MaxOutgoingLinks; i++ {
		target := mustCreate(t, store, "t")
		require.NoError(t, l.LinkEpisodes(a, target, "ref"))
	}

	overflow := mustCreate(t, store, "t")
	err := l.LinkEpisodes(a, overflow, "ref")
	require.ErrorIs(t, err, ErrTooManyLinks)
}

func TestUnlinkEpisodes(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")
	b := mustCreate(t, store, "t")
	require.NoError(t, l.LinkEpisodes(a, b, "ref"))

	removed, err := l.UnlinkEpisodes(a, b)
	require.NoError(t, err)
	require.True(t, removed)
	require.Empty(t, l.GetLinkedEpisodes(a, DirectionOutgoing))

	removed, err = l.UnlinkEpisodes(a, b)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestGetOutgoingLinks_FiltersByType(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")
	b := mustCreate(t, store, "t")
	c := mustCreate(t, store, "t")
	require.NoError(t, l.LinkEpisodes(a, b, "ref"))
	require.NoError(t, l.LinkEpisodes(a, c, SequenceLinkType))

	refs := l.GetOutgoingLinks(a, "ref")
	require.Len(t, refs, 1)
	require.Equal(t, b, refs[0].TargetID)

	all := l.GetOutgoingLinks(a, "")
	require.Len(t, all, 2)
}

func TestGetStats(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")
	b := mustCreate(t, store, "t")
	require.NoError(t, l.LinkEpisodes(a, b, "ref"))

	stats := l.GetStats()
	require.Equal(t, 1, stats.TotalLinks)
	require.Equal(t, 2, stats.EpisodesWithLinks)
}

func TestClear(t *testing.T) {
	l, store := newTestLinker(t)
	a := mustCreate(t, store, "t")
	b := mustCreate(t, store, "t")
	require.NoError(t, l.LinkEpisodes(a, b, "ref"))

	l.Clear()
	require.Empty(t, l.GetLinkedEpisodes(a, DirectionOutgoing))
}

func TestNew_LoadsExistingLinksFromStorage(t *testing.T) {
	store, err := episode.Open(episode.Config{Path: ":memory:", Dimension: 4})
	require.NoError(t, err)
	defer store.Close()

	a, err := store.CreateEpisode(episode.CreateOptions{TaskID: "t", StartTime: time.Now(), Metadata: validMeta()})
	require.NoError(t, err)
	b, err := store.CreateEpisode(episode.CreateOptions{TaskID: "t", StartTime: time.Now(), Metadata: validMeta()})
	require.NoError(t, err)
	require.NoError(t, store.AddLink(episode.Link{SourceID: a, TargetID: b, LinkType: "ref", CreatedAt: time.Now()}))

	l, err := New(store)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{b}, l.GetLinkedEpisodes(a, DirectionOutgoing))
}

func TestGetEpisodeContext(t *testing.T) {
	l, store := newTestLinker(t)
	_, err := store.CreateEpisode(episode.CreateOptions{TaskID: "task-x", StartTime: time.Now(), Embedding: unitVector(0.01), Metadata: validMeta()})
	require.NoError(t, err)
	_, err = store.CreateEpisode(episode.CreateOptions{TaskID: "task-x", StartTime: time.Now(), Metadata: validMeta()})
	require.NoError(t, err)
	_, err = store.CreateEpisode(episode.CreateOptions{TaskID: "task-y", StartTime: time.Now(), Embedding: unitVector(0.011), Metadata: validMeta()})
	require.NoError(t, err)

	ctx, err := l.GetEpisodeContext(context.Background(), "task-x")
	require.NoError(t, err)
	require.Len(t, ctx.Direct, 2)
	require.NotEmpty(t, ctx.Temporal)
	for _, ep := range ctx.Semantic {
		require.NotEqual(t, "task-x", ep.TaskID)
	}
}

func unitVector(seed float32) []float32 {
	v := []float32{seed, 1, 1, 1}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
