package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// neighbors returns every node directly reachable from id via a binary
// edge (either direction) or shared hyperedge membership.
func (g *Graph) neighbors(txn *badger.Txn, id string) ([]string, error) {
	seen := map[string]bool{}
	var out []string

	addNeighbor := func(n string) {
		if n != id && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}

	for _, prefix := range []string{prefixOutgoing, prefixIncoming} {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		p := []byte(prefix + id + ":")
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			k := string(it.Item().Key())
			edgeID := k[len(p):]
			item, err := txn.Get(edgeKey(edgeID))
			if err != nil {
				continue
			}
			var e Edge
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				it.Close()
				return nil, err
			}
			if e.Source == id {
				addNeighbor(e.Target)
			} else {
				addNeighbor(e.Source)
			}
		}
		it.Close()
	}

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	p := []byte(prefixHyperMember + id + ":")
	var hyperIDs []string
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		k := string(it.Item().Key())
		hyperIDs = append(hyperIDs, k[len(p):])
	}
	it.Close()
	for _, hid := range hyperIDs {
		h, err := g.getHyperedgeTxn(txn, hid)
		if err != nil {
			continue
		}
		for _, n := range h.Nodes {
			addNeighbor(n)
		}
	}

	return out, nil
}

// TraverseHops performs a BFS over binary edges (both directions) and
// hyperedge membership, returning every node reachable within hops steps.
// Depth 0 returns only [startNodeID]. Grounded on
// katalvlaran-lvlath/graph/bfs.go's queue/visited-set/cancellation idiom.
func (g *Graph) TraverseHops(ctx context.Context, startNodeID string, hops int) (QueryResult[string], error) {
	start := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	var result []string
	err := g.db.View(func(txn *badger.Txn) error {
		if !g.nodeExists(txn, startNodeID) {
			return ErrNodeNotFound
		}

		visited := map[string]bool{startNodeID: true}
		type frame struct {
			id    string
			depth int
		}
		queue := []frame{{startNodeID, 0}}
		result = append(result, startNodeID)

		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			cur := queue[0]
			queue = queue[1:]
			if cur.depth >= hops {
				continue
			}
			ns, err := g.neighbors(txn, cur.id)
			if err != nil {
				return err
			}
			for _, n := range ns {
				if visited[n] {
					continue
				}
				visited[n] = true
				result = append(result, n)
				queue = append(queue, frame{n, cur.depth + 1})
			}
		}
		return nil
	})
	if err != nil {
		return QueryResult[string]{}, err
	}
	return QueryResult[string]{Data: result, Count: len(result), ExecutionTimeMs: elapsedMs(start)}, nil
}
