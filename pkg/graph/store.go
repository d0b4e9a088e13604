package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/god-agent/agentdb/pkg/bus"
	"github.com/god-agent/agentdb/pkg/metrics"
	"github.com/god-agent/agentdb/pkg/vector"
)

// Key prefixes, mirroring the teacher's single-byte-prefix BadgerDB scheme
// (pkg/storage/badger.go), generalized with hyperedge and namespace
// indexes.
const (
	prefixNode       = "n:"
	prefixEdge       = "e:"
	prefixHyperedge  = "h:"
	prefixOutgoing   = "o:"
	prefixIncoming   = "i:"
	prefixHyperMember = "hm:"
	prefixNamespace  = "ns:"
)

// Config configures a Graph store.
type Config struct {
	DataDir   string
	InMemory  bool
	Dimension int

	Bus     *bus.Bus
	Metrics *metrics.Registry
}

// Graph is a BadgerDB-backed hypergraph store.
type Graph struct {
	db        *badger.DB
	dimension int
	mu        sync.RWMutex

	cfg Config
}

// Open opens (or creates) a Graph store.
func Open(cfg Config) (*Graph, error) {
	opts := badger.DefaultOptions(cfg.DataDir)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("graph: open badger: %w", err)
	}

	dim := cfg.Dimension
	if dim <= 0 {
		dim = vector.Dim
	}
	return &Graph{db: db, dimension: dim, cfg: cfg}, nil
}

// Close releases the underlying BadgerDB handle.
func (g *Graph) Close() error { return g.db.Close() }

func (g *Graph) emit(op, status string, meta map[string]any) {
	if g.cfg.Bus == nil {
		return
	}
	g.cfg.Bus.Emit(bus.Event{Component: "graph", Operation: op, Status: status, Metadata: meta})
}

func nodeKey(id string) []byte      { return []byte(prefixNode + id) }
func edgeKey(id string) []byte      { return []byte(prefixEdge + id) }
func hyperedgeKey(id string) []byte { return []byte(prefixHyperedge + id) }
func outgoingKey(node, edge string) []byte {
	return []byte(prefixOutgoing + node + ":" + edge)
}
func incomingKey(node, edge string) []byte {
	return []byte(prefixIncoming + node + ":" + edge)
}
func hyperMemberKey(node, hyperedge string) []byte {
	return []byte(prefixHyperMember + node + ":" + hyperedge)
}
func namespaceKey(ns, node string) []byte {
	return []byte(prefixNamespace + ns + ":" + node)
}

func (g *Graph) putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (g *Graph) getNode(txn *badger.Txn, id string) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	var n Node
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
		return nil, err
	}
	return &n, nil
}

func (g *Graph) nodeExists(txn *badger.Txn, id string) bool {
	_, err := txn.Get(nodeKey(id))
	return err == nil
}

func (g *Graph) countPrefix(txn *badger.Txn, prefix string) int {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	n := 0
	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		n++
	}
	return n
}

func (g *Graph) totalNodes(txn *badger.Txn) int { return g.countPrefix(txn, prefixNode) }

func inferNamespace(key string) string {
	if idx := strings.Index(key, "/"); idx > 0 {
		return key[:idx]
	}
	return ""
}

// CreateNode implements orphan prevention and upsert-by-key exactly per
// spec §4.4.
func (g *Graph) CreateNode(opts CreateNodeOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if opts.Embedding != nil {
		if _, err := vector.CreateValidatedVector(opts.Embedding); err != nil {
			return "", err
		}
	}

	var resultID string
	err := g.db.Update(func(txn *badger.Txn) error {
		key, hasKey := (&Node{Properties: opts.Properties}).key()
		if hasKey {
			if existingID, ok, err := g.findByKey(txn, key); err != nil {
				return err
			} else if ok {
				existing, err := g.getNode(txn, existingID)
				if err != nil {
					return err
				}
				for k, v := range opts.Properties {
					if existing.Properties == nil {
						existing.Properties = map[string]any{}
					}
					existing.Properties[k] = v
				}
				if opts.Embedding != nil {
					existing.Embedding = opts.Embedding
				}
				existing.UpdatedAt = time.Now()
				resultID = existing.ID
				return g.putJSON(txn, nodeKey(existing.ID), existing)
			}
		}

		total := g.totalNodes(txn)
		id := uuid.NewString()
		now := time.Now()
		n := &Node{ID: id, Type: opts.Type, Properties: opts.Properties, Embedding: opts.Embedding, CreatedAt: now, UpdatedAt: now}

		var linkEdge *Edge
		switch {
		case total == 0:
			// First node in an empty store is always allowed.
		case opts.LinkTo != "":
			if !g.nodeExists(txn, opts.LinkTo) {
				return ErrNodeNotFound
			}
			linkEdge = &Edge{ID: uuid.NewString(), Source: id, Target: opts.LinkTo, Type: "linked_to", CreatedAt: now}
		default:
			ns := ""
			if hasKey {
				ns = inferNamespace(key)
			}
			n.Namespace = ns
			if ns == "" || wellKnownNamespaces[ns] {
				if siblingID, ok := g.findNamespaceSibling(txn, ns); ok {
					linkEdge = &Edge{ID: uuid.NewString(), Source: id, Target: siblingID, Type: "linked_to", CreatedAt: now}
				} else {
					if !g.nodeExists(txn, RootNodeID) {
						root := &Node{ID: RootNodeID, Type: "root", CreatedAt: now, UpdatedAt: now}
						if err := g.putJSON(txn, nodeKey(RootNodeID), root); err != nil {
							return err
						}
					}
					linkEdge = &Edge{ID: uuid.NewString(), Source: id, Target: RootNodeID, Type: "linked_to", CreatedAt: now}
				}
			} else {
				return &OrphanNodeError{Reason: fmt.Sprintf("no linkTo and namespace %q is not well-known", ns)}
			}
		}

		if err := g.putJSON(txn, nodeKey(id), n); err != nil {
			return err
		}
		if hasKey {
			// no separate key index needed: findByKey scans nodes directly.
		}
		if n.Namespace != "" {
			if err := txn.Set(namespaceKey(n.Namespace, id), nil); err != nil {
				return err
			}
		}
		if linkEdge != nil {
			if err := g.putJSON(txn, edgeKey(linkEdge.ID), linkEdge); err != nil {
				return err
			}
			if err := txn.Set(outgoingKey(linkEdge.Source, linkEdge.ID), nil); err != nil {
				return err
			}
			if err := txn.Set(incomingKey(linkEdge.Target, linkEdge.ID), nil); err != nil {
				return err
			}
		}
		resultID = id
		return nil
	})
	if err != nil {
		g.emit("create_node", "failed", map[string]any{"error": err.Error()})
		return "", err
	}
	g.emit("create_node", "completed", map[string]any{"id": resultID})
	return resultID, nil
}

// findByKey scans node records for Properties["key"] == key. Small-scale
// linear scan — acceptable for the embedded, single-process store this
// engine targets.
func (g *Graph) findByKey(txn *badger.Txn, key string) (string, bool, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := []byte(prefixNode)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var n Node
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
			return "", false, err
		}
		if k, ok := n.key(); ok && k == key {
			return n.ID, true, nil
		}
	}
	return "", false, nil
}

func (g *Graph) findNamespaceSibling(txn *badger.Txn, ns string) (string, bool) {
	if ns == "" {
		return "", false
	}
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := []byte(prefixNamespace + ns + ":")
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := string(it.Item().Key())
		return k[len(prefix):], true
	}
	return "", false
}

// GetNode returns a copy of node id.
func (g *Graph) GetNode(id string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var result *Node
	err := g.db.View(func(txn *badger.Txn) error {
		n, err := g.getNode(txn, id)
		if err != nil {
			return err
		}
		cp := *n
		result = &cp
		return nil
	})
	return result, err
}

// UpdateNode shallow-merges props into the node's Properties.
func (g *Graph) UpdateNode(id string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db.Update(func(txn *badger.Txn) error {
		n, err := g.getNode(txn, id)
		if err != nil {
			return err
		}
		if n.Properties == nil {
			n.Properties = map[string]any{}
		}
		for k, v := range props {
			n.Properties[k] = v
		}
		n.UpdatedAt = time.Now()
		return g.putJSON(txn, nodeKey(id), n)
	})
}

// UpdateEmbedding validates and replaces node id's embedding.
func (g *Graph) UpdateEmbedding(id string, v []float32) error {
	if _, err := vector.CreateValidatedVector(v); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db.Update(func(txn *badger.Txn) error {
		n, err := g.getNode(txn, id)
		if err != nil {
			return err
		}
		n.Embedding = v
		n.UpdatedAt = time.Now()
		return g.putJSON(txn, nodeKey(id), n)
	})
}

// CreateEdge creates a binary edge; both endpoints must exist.
func (g *Graph) CreateEdge(opts CreateEdgeOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := uuid.NewString()
	err := g.db.Update(func(txn *badger.Txn) error {
		if !g.nodeExists(txn, opts.Source) || !g.nodeExists(txn, opts.Target) {
			return ErrNodeNotFound
		}
		e := &Edge{ID: id, Source: opts.Source, Target: opts.Target, Type: opts.Type, Metadata: opts.Metadata, CreatedAt: time.Now()}
		if err := g.putJSON(txn, edgeKey(id), e); err != nil {
			return err
		}
		if err := txn.Set(outgoingKey(opts.Source, id), nil); err != nil {
			return err
		}
		return txn.Set(incomingKey(opts.Target, id), nil)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetEdges returns the edges touching nodeID in the given direction.
func (g *Graph) GetEdges(nodeID string, dir Direction) (QueryResult[*Edge], error) {
	start := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []*Edge
	err := g.db.View(func(txn *badger.Txn) error {
		seen := map[string]bool{}
		collect := func(prefix string) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			p := []byte(prefix + nodeID + ":")
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				k := string(it.Item().Key())
				edgeID := k[len(p):]
				if seen[edgeID] {
					continue
				}
				seen[edgeID] = true
				item, err := txn.Get(edgeKey(edgeID))
				if err != nil {
					continue
				}
				var e Edge
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
					return err
				}
				edges = append(edges, &e)
			}
			return nil
		}
		if dir == DirectionOutgoing || dir == DirectionBoth || dir == "" {
			if err := collect(prefixOutgoing); err != nil {
				return err
			}
		}
		if dir == DirectionIncoming || dir == DirectionBoth || dir == "" {
			if err := collect(prefixIncoming); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return QueryResult[*Edge]{}, err
	}
	return QueryResult[*Edge]{Data: edges, Count: len(edges), ExecutionTimeMs: elapsedMs(start)}, nil
}

func elapsedMs(start time.Time) float64 { return float64(time.Since(start).Microseconds()) / 1000.0 }

// CreateHyperedge creates an n-ary (n>=3) relationship among existing nodes.
func (g *Graph) CreateHyperedge(opts CreateHyperedgeOptions) (string, error) {
	return g.createHyperedge(opts, false, time.Time{}, "")
}

// CreateTemporalHyperedge creates a hyperedge carrying an expiry.
func (g *Graph) CreateTemporalHyperedge(opts CreateTemporalHyperedgeOptions) (string, error) {
	return g.createHyperedge(opts.CreateHyperedgeOptions, true, opts.ExpiresAt, opts.Granularity)
}

func (g *Graph) createHyperedge(opts CreateHyperedgeOptions, temporal bool, expiresAt time.Time, granularity string) (string, error) {
	if len(opts.Nodes) < 3 {
		return "", &InvalidHyperedgeError{Count: len(opts.Nodes)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	id := uuid.NewString()
	err := g.db.Update(func(txn *badger.Txn) error {
		for _, nid := range opts.Nodes {
			if !g.nodeExists(txn, nid) {
				return ErrNodeNotFound
			}
		}
		h := &Hyperedge{ID: id, Nodes: opts.Nodes, Type: opts.Type, Metadata: opts.Metadata, CreatedAt: time.Now(), Temporal: temporal}
		if temporal {
			e := expiresAt
			h.ExpiresAt = &e
			h.Granularity = granularity
		}
		if err := g.putJSON(txn, hyperedgeKey(id), h); err != nil {
			return err
		}
		for _, nid := range opts.Nodes {
			if err := txn.Set(hyperMemberKey(nid, id), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (g *Graph) getHyperedgeTxn(txn *badger.Txn, id string) (*Hyperedge, error) {
	item, err := txn.Get(hyperedgeKey(id))
	if err != nil {
		return nil, err
	}
	var h Hyperedge
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &h) }); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetHyperedge returns hyperedge id with IsExpired re-derived from now.
func (g *Graph) GetHyperedge(id string) (*Hyperedge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var h *Hyperedge
	err := g.db.View(func(txn *badger.Txn) error {
		found, err := g.getHyperedgeTxn(txn, id)
		h = found
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// GetAllHyperedges returns every hyperedge.
func (g *Graph) GetAllHyperedges() ([]*Hyperedge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Hyperedge
	err := g.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixHyperedge)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var h Hyperedge
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &h) }); err != nil {
				return err
			}
			out = append(out, &h)
		}
		return nil
	})
	return out, err
}

// GetHyperedgesByNode returns every hyperedge nodeID belongs to.
func (g *Graph) GetHyperedgesByNode(nodeID string) ([]*Hyperedge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Hyperedge
	err := g.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixHyperMember + nodeID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := string(it.Item().Key())
			hid := k[len(prefix):]
			h, err := g.getHyperedgeTxn(txn, hid)
			if err != nil {
				continue
			}
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

// DeleteNode deletes node id and cascades to delete every edge touching it.
func (g *Graph) DeleteNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db.Update(func(txn *badger.Txn) error {
		n, err := g.getNode(txn, id)
		if err != nil {
			return err
		}

		for _, prefix := range []string{prefixOutgoing, prefixIncoming} {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			p := []byte(prefix + id + ":")
			var toDelete [][]byte
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				k := it.Item().KeyCopy(nil)
				toDelete = append(toDelete, k)
			}
			it.Close()
			for _, k := range toDelete {
				edgeID := string(k[len(p):])
				if err := g.deleteEdgeTxn(txn, edgeID); err != nil && err != ErrEdgeNotFound {
					return err
				}
			}
		}

		if n.Namespace != "" {
			_ = txn.Delete(namespaceKey(n.Namespace, id))
		}
		return txn.Delete(nodeKey(id))
	})
}

func (g *Graph) deleteEdgeTxn(txn *badger.Txn, id string) error {
	item, err := txn.Get(edgeKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return ErrEdgeNotFound
		}
		return err
	}
	var e Edge
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
		return err
	}
	if err := txn.Delete(outgoingKey(e.Source, id)); err != nil {
		return err
	}
	if err := txn.Delete(incomingKey(e.Target, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// DeleteEdge deletes edge id.
func (g *Graph) DeleteEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db.Update(func(txn *badger.Txn) error { return g.deleteEdgeTxn(txn, id) })
}

// QueryNodes filters nodes per NodeQuery.
func (g *Graph) QueryNodes(q NodeQuery) (QueryResult[*Node], error) {
	start := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	var re *regexp.Regexp
	if q.KeyPattern != "" {
		var err error
		re, err = regexp.Compile(q.KeyPattern)
		if err != nil {
			return QueryResult[*Node]{}, fmt.Errorf("graph: invalid keyPattern: %w", err)
		}
	}

	var matched []*Node
	err := g.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixNode)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n Node
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
				return err
			}
			if q.Namespace != "" && n.Namespace != q.Namespace {
				continue
			}
			if re != nil {
				k, ok := n.key()
				if !ok || !re.MatchString(k) {
					continue
				}
			}
			if q.CreatedAfter != nil && !n.CreatedAt.After(*q.CreatedAfter) {
				continue
			}
			if q.CreatedBefore != nil && !n.CreatedAt.Before(*q.CreatedBefore) {
				continue
			}
			if q.HasVector != nil {
				has := len(n.Embedding) > 0
				if has != *q.HasVector {
					continue
				}
			}
			cp := n
			matched = append(matched, &cp)
		}
		return nil
	})
	if err != nil {
		return QueryResult[*Node]{}, err
	}

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return QueryResult[*Node]{Data: matched, Count: total, ExecutionTimeMs: elapsedMs(start)}, nil
}
