package graph

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ValidateIntegrity scans the whole store and reports every invariant
// violation: orphan nodes, invalid or expired hyperedges, and embedding
// dimension mismatches. A node is orphan iff there is more than one node
// in the store and it has no binary edges and no hyperedge membership.
func (g *Graph) ValidateIntegrity() (*IntegrityReport, error) {
	now := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	report := &IntegrityReport{Timestamp: now}

	err := g.db.View(func(txn *badger.Txn) error {
		var nodeIDs []string
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte(prefixNode)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n Node
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
				it.Close()
				return err
			}
			nodeIDs = append(nodeIDs, n.ID)
			if len(n.Embedding) > 0 && len(n.Embedding) != g.dimension {
				report.DimensionMismatches = append(report.DimensionMismatches, n.ID)
			}
		}
		it.Close()
		report.TotalNodes = len(nodeIDs)

		edgeIt := txn.NewIterator(badger.DefaultIteratorOptions)
		edgePrefix := []byte(prefixEdge)
		for edgeIt.Seek(edgePrefix); edgeIt.ValidForPrefix(edgePrefix); edgeIt.Next() {
			report.TotalEdges++
		}
		edgeIt.Close()

		hyperIt := txn.NewIterator(badger.DefaultIteratorOptions)
		hyperPrefix := []byte(prefixHyperedge)
		for hyperIt.Seek(hyperPrefix); hyperIt.ValidForPrefix(hyperPrefix); hyperIt.Next() {
			var h Hyperedge
			if err := hyperIt.Item().Value(func(val []byte) error { return json.Unmarshal(val, &h) }); err != nil {
				hyperIt.Close()
				return err
			}
			report.TotalHyperedges++
			if len(h.Nodes) < 3 {
				report.InvalidHyperedges = append(report.InvalidHyperedges, h.ID)
			}
			if h.IsExpired(now) {
				report.ExpiredTemporalHyperedges = append(report.ExpiredTemporalHyperedges, h.ID)
			}
		}
		hyperIt.Close()

		if report.TotalNodes > 1 {
			for _, id := range nodeIDs {
				ns, err := g.neighbors(txn, id)
				if err != nil {
					return err
				}
				if len(ns) == 0 {
					report.OrphanNodes = append(report.OrphanNodes, id)
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	report.IsValid = len(report.OrphanNodes) == 0 &&
		len(report.InvalidHyperedges) == 0 &&
		len(report.DimensionMismatches) == 0
	return report, nil
}
