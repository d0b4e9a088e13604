// Package linker implements agentdb's episode linker: in-memory
// outgoing/incoming adjacency maps backed by the authoritative link rows in
// pkg/episode's relational store, with DAG cycle detection on sequence
// links and a concurrent three-way context query.
//
// Adjacency maps and BFS/DFS traversal are grounded on the queue/visited-set
// shape used by pkg/graph.TraverseHops, generalized here to a directed DFS
// reachability check for cycle detection.
package linker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/god-agent/agentdb/pkg/episode"
)

// MaxOutgoingLinks bounds how many outgoing links a single episode may own.
const MaxOutgoingLinks = 100

// SequenceLinkType is the link type subject to cycle detection.
const SequenceLinkType = "sequence"

// Direction selects which adjacency map getLinkedEpisodes walks.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
	DirectionBoth
)

// ErrSelfLink is returned when source == target.
var ErrSelfLink = fmt.Errorf("linker: cannot link an episode to itself")

// ErrEndpointNotFound is returned when source or target does not exist.
var ErrEndpointNotFound = fmt.Errorf("linker: both endpoints must exist")

// ErrTooManyLinks is returned when source already owns MaxOutgoingLinks
// outgoing links.
var ErrTooManyLinks = fmt.Errorf("linker: source already has the maximum number of outgoing links")

// ErrCycleDetected is returned when adding a sequence link would create a
// cycle.
var ErrCycleDetected = fmt.Errorf("linker: link would create a cycle")

// Stats summarizes the link graph.
type Stats struct {
	TotalLinks        int
	EpisodesWithLinks int
	AvgLinksPerEpisode float64
}

// Context is the result of GetEpisodeContext.
type Context struct {
	Direct   []*episode.Episode
	Temporal []*episode.Episode
	Semantic []*episode.Episode
}

// Linker tracks episode links in memory, with the episode store as the
// system of record.
type Linker struct {
	store *episode.Store

	mu       sync.RWMutex
	outgoing map[string]map[string]episode.Link // source -> target -> link
	incoming map[string]map[string]episode.Link // target -> source -> link
}

// New constructs a Linker over store, loading its current link set from
// storage.
func New(store *episode.Store) (*Linker, error) {
	l := &Linker{
		store:    store,
		outgoing: map[string]map[string]episode.Link{},
		incoming: map[string]map[string]episode.Link{},
	}
	links, err := store.AllLinks()
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		l.index(link)
	}
	return l, nil
}

func (l *Linker) index(link episode.Link) {
	if l.outgoing[link.SourceID] == nil {
		l.outgoing[link.SourceID] = map[string]episode.Link{}
	}
	l.outgoing[link.SourceID][link.TargetID] = link
	if l.incoming[link.TargetID] == nil {
		l.incoming[link.TargetID] = map[string]episode.Link{}
	}
	l.incoming[link.TargetID][link.SourceID] = link
}

func (l *Linker) unindex(source, target string) {
	delete(l.outgoing[source], target)
	if len(l.outgoing[source]) == 0 {
		delete(l.outgoing, source)
	}
	delete(l.incoming[target], source)
	if len(l.incoming[target]) == 0 {
		delete(l.incoming, target)
	}
}

// LinkEpisodes links source -> target with the given type, after: rejecting
// self-links, requiring both endpoints exist, bounding outgoing link count,
// and (for sequence links) rejecting cycles.
func (l *Linker) LinkEpisodes(source, target, linkType string) error {
	if source == target {
		return ErrSelfLink
	}

	sourceExists, err := l.store.Exists(source)
	if err != nil {
		return err
	}
	targetExists, err := l.store.Exists(target)
	if err != nil {
		return err
	}
	if !sourceExists || !targetExists {
		return ErrEndpointNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.outgoing[source]) >= MaxOutgoingLinks {
		return ErrTooManyLinks
	}

	if linkType == SequenceLinkType {
		if l.reachableLocked(target, source, map[string]bool{}) {
			return ErrCycleDetected
		}
	}

	link := episode.Link{SourceID: source, TargetID: target, LinkType: linkType, CreatedAt: time.Now()}
	if err := l.store.AddLink(link); err != nil {
		return err
	}
	l.index(link)
	return nil
}

// reachableLocked reports whether target is reachable from start via
// outgoing sequence edges. Caller must hold l.mu.
func (l *Linker) reachableLocked(start, target string, visited map[string]bool) bool {
	if start == target {
		return true
	}
	if visited[start] {
		return false
	}
	visited[start] = true
	for next, link := range l.outgoing[start] {
		if link.LinkType != SequenceLinkType {
			continue
		}
		if l.reachableLocked(next, target, visited) {
			return true
		}
	}
	return false
}

// UnlinkEpisodes removes the link between source and target, reporting
// whether one existed.
func (l *Linker) UnlinkEpisodes(source, target string) (bool, error) {
	removed, err := l.store.RemoveLink(source, target)
	if err != nil {
		return false, err
	}
	if removed {
		l.mu.Lock()
		l.unindex(source, target)
		l.mu.Unlock()
	}
	return removed, nil
}

// GetLinkedEpisodes returns every episode id directly linked to id in the
// given direction.
func (l *Linker) GetLinkedEpisodes(id string, dir Direction) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	if dir == DirectionOutgoing || dir == DirectionBoth {
		for target := range l.outgoing[id] {
			if !seen[target] {
				seen[target] = true
				out = append(out, target)
			}
		}
	}
	if dir == DirectionIncoming || dir == DirectionBoth {
		for source := range l.incoming[id] {
			if !seen[source] {
				seen[source] = true
				out = append(out, source)
			}
		}
	}
	return out
}

// GetOutgoingLinks returns outgoing link rows from id, optionally filtered
// by linkType (empty string means all types).
func (l *Linker) GetOutgoingLinks(id, linkType string) []episode.Link {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []episode.Link
	for _, link := range l.outgoing[id] {
		if linkType == "" || link.LinkType == linkType {
			out = append(out, link)
		}
	}
	return out
}

// GetIncomingLinks returns incoming link rows to id, optionally filtered by
// linkType.
func (l *Linker) GetIncomingLinks(id, linkType string) []episode.Link {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []episode.Link
	for _, link := range l.incoming[id] {
		if linkType == "" || link.LinkType == linkType {
			out = append(out, link)
		}
	}
	return out
}

// GetStats summarizes the in-memory link graph.
func (l *Linker) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0
	withLinks := map[string]bool{}
	for source, targets := range l.outgoing {
		total += len(targets)
		withLinks[source] = true
		for target := range targets {
			withLinks[target] = true
		}
	}

	stats := Stats{TotalLinks: total, EpisodesWithLinks: len(withLinks)}
	if len(withLinks) > 0 {
		stats.AvgLinksPerEpisode = float64(total) / float64(len(withLinks))
	}
	return stats
}

// Clear drops every in-memory link. Storage rows are left untouched; call
// this only alongside a storage-level clear.
func (l *Linker) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outgoing = map[string]map[string]episode.Link{}
	l.incoming = map[string]map[string]episode.Link{}
}

// GetEpisodeContext runs the direct/temporal/semantic sub-queries
// concurrently via errgroup, per spec: direct episodes sharing taskId (up to
// 50), the most recent episodes within the last hour (up to 20, via the
// time index), and episodes similar to taskId's latest embedding (top 10,
// minSimilarity >= 0.7, excluding taskId itself).
func (l *Linker) GetEpisodeContext(ctx context.Context, taskID string) (Context, error) {
	var result Context
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		direct, err := l.store.QueryByTaskID(taskID, 50)
		if err != nil {
			return err
		}
		result.Direct = direct
		return nil
	})

	g.Go(func() error {
		recent, err := l.store.GetRecentInWindow(time.Hour, 20)
		if err != nil {
			return err
		}
		result.Temporal = recent
		return nil
	})

	g.Go(func() error {
		latest, err := l.store.QueryByTaskID(taskID, 1)
		if err != nil {
			return err
		}
		if len(latest) == 0 || len(latest[0].Embedding) == 0 {
			return nil
		}
		hits, err := l.store.SearchBySimilarity(gctx, episode.SimilarityQuery{
			Embedding:     latest[0].Embedding,
			K:             10,
			MinSimilarity: 0.7,
		})
		if err != nil {
			return err
		}
		filtered := hits[:0]
		for _, h := range hits {
			if h.TaskID != taskID {
				filtered = append(filtered, h)
			}
		}
		result.Semantic = filtered
		return nil
	})

	if err := g.Wait(); err != nil {
		return Context{}, err
	}
	return result, nil
}
