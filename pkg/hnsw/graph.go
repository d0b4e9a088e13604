package hnsw

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/god-agent/agentdb/pkg/vector"
)

type node struct {
	id      string
	vec     []float32
	level   int
	deleted bool
}

// Graph is a multi-layer hierarchical navigable small world index. It is
// not thread-safe at the field level; all access goes through the mutex.
type Graph struct {
	mu sync.RWMutex

	dimension int
	metric    vector.Metric

	m              int
	mMax           int
	mMax0          int
	efConstruction int
	efSearch       int

	entryPoint string
	maxLevel   int

	nodes     map[string]*node
	neighbors map[string][][]string // id -> per-level neighbor id lists

	rng *rand.Rand
}

func newGraph(cfg Config) *Graph {
	m := cfg.M
	if m <= 0 {
		m = 32
	}
	efc := cfg.EfConstruction
	if efc <= 0 {
		efc = 200
	}
	efs := cfg.EfSearch
	if efs <= 0 {
		efs = 50
	}
	return &Graph{
		dimension:      cfg.Dimension,
		metric:         cfg.Metric,
		m:              m,
		mMax:           m,
		mMax0:          m * 2,
		efConstruction: efc,
		efSearch:       efs,
		maxLevel:       -1,
		nodes:          make(map[string]*node),
		neighbors:      make(map[string][][]string),
		rng:            rand.New(rand.NewSource(1)),
	}
}

// internalDistance returns a value where lower always means "more similar",
// regardless of the configured metric — this lets graph construction and
// search use one consistent ordering.
func (g *Graph) internalDistance(a, b []float32) float64 {
	switch g.metric {
	case vector.MetricCosine:
		return 1 - vector.CosineSimilarity(a, b)
	case vector.MetricDot:
		return -vector.DotProduct(a, b)
	case vector.MetricManhattan:
		return vector.ManhattanDistance(a, b)
	default: // Euclidean
		return vector.EuclideanDistance(a, b)
	}
}

// score converts an internal distance back into the externally reported
// Score field, matching the metric's natural "better" direction.
func (g *Graph) score(d float64) float64 {
	switch g.metric {
	case vector.MetricCosine:
		return 1 - d
	case vector.MetricDot:
		return -d
	default:
		return d
	}
}

func (g *Graph) assignLevel() int {
	mL := 1.0 / math.Log(float64(g.m))
	return int(math.Floor(-math.Log(g.rng.Float64()+1e-12) * mL))
}

type candidate struct {
	id   string
	dist float64
}

// searchLayer returns up to ef closest (by internal distance) live nodes to
// query, starting from entryPoints and exploring level's adjacency lists.
func (g *Graph) searchLayer(query []float32, entryPoints []string, ef, level int) []candidate {
	visited := make(map[string]bool)
	var candidates []candidate
	var results []candidate

	for _, ep := range entryPoints {
		if visited[ep] {
			continue
		}
		n, ok := g.nodes[ep]
		if !ok || n.deleted {
			continue
		}
		visited[ep] = true
		d := g.internalDistance(query, n.vec)
		candidates = append(candidates, candidate{ep, d})
		results = append(results, candidate{ep, d})
	}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		if len(results) >= ef {
			worst := worstDistance(results)
			if c.dist > worst {
				break
			}
		}

		lvls := g.neighbors[c.id]
		if level >= len(lvls) {
			continue
		}
		for _, nb := range lvls[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nn, ok := g.nodes[nb]
			if !ok || nn.deleted {
				continue
			}
			d := g.internalDistance(query, nn.vec)
			if len(results) < ef || d < worstDistance(results) {
				candidates = append(candidates, candidate{nb, d})
				results = append(results, candidate{nb, d})
				if len(results) > ef {
					results = dropWorst(results)
				}
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	return results
}

func worstDistance(c []candidate) float64 {
	worst := c[0].dist
	for _, x := range c[1:] {
		if x.dist > worst {
			worst = x.dist
		}
	}
	return worst
}

func dropWorst(c []candidate) []candidate {
	worstIdx := 0
	for i, x := range c {
		if x.dist > c[worstIdx].dist {
			worstIdx = i
		}
	}
	return append(c[:worstIdx], c[worstIdx+1:]...)
}

// selectNeighbors picks the m closest candidates (simple heuristic: nearest
// by internal distance, not the full SELECT-NEIGHBORS-HEURISTIC from the
// original paper).
func selectNeighbors(cands []candidate, m int) []string {
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > m {
		cands = cands[:m]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func (g *Graph) insertLocked(id string, v []float32) {
	level := g.assignLevel()
	n := &node{id: id, vec: v, level: level}
	g.nodes[id] = n
	g.neighbors[id] = make([][]string, level+1)

	if g.entryPoint == "" {
		g.entryPoint = id
		g.maxLevel = level
		return
	}

	curr := g.entryPoint
	for lev := g.maxLevel; lev > level; lev-- {
		res := g.searchLayer(v, []string{curr}, 1, lev)
		if len(res) > 0 {
			curr = res[0].id
		}
	}

	top := level
	if g.maxLevel < top {
		top = g.maxLevel
	}
	for lev := top; lev >= 0; lev-- {
		cands := g.searchLayer(v, []string{curr}, g.efConstruction, lev)
		maxM := g.mMax
		if lev == 0 {
			maxM = g.mMax0
		}
		selected := selectNeighbors(append([]candidate(nil), cands...), maxM)
		g.neighbors[id][lev] = selected

		for _, nb := range selected {
			g.addEdge(nb, id, lev, maxM)
		}
		if len(cands) > 0 {
			curr = cands[0].id
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entryPoint = id
	}
}

// addEdge links from -> to at level, pruning from's adjacency list back
// down to maxM by keeping the maxM closest neighbors if it overflows.
func (g *Graph) addEdge(from, to string, level, maxM int) {
	lvls := g.neighbors[from]
	if level >= len(lvls) {
		return
	}
	lvls[level] = append(lvls[level], to)
	if len(lvls[level]) <= maxM {
		return
	}

	fromNode := g.nodes[from]
	cands := make([]candidate, 0, len(lvls[level]))
	for _, nid := range lvls[level] {
		if nn, ok := g.nodes[nid]; ok {
			cands = append(cands, candidate{nid, g.internalDistance(fromNode.vec, nn.vec)})
		}
	}
	lvls[level] = selectNeighbors(cands, maxM)
}

func (g *Graph) Insert(v []float32) (string, error) {
	if err := vector.AssertDimensions(v, g.dimension, "hnsw.Insert"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.insertLocked(id, vector.Copy(v))
	return id, nil
}

func (g *Graph) InsertWithID(id string, v []float32) error {
	if err := vector.AssertDimensions(v, g.dimension, "hnsw.InsertWithID"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.nodes[id]; ok && !existing.deleted {
		g.unlinkLocked(id)
		delete(g.nodes, id)
		delete(g.neighbors, id)
	}
	g.insertLocked(id, vector.Copy(v))
	return nil
}

func (g *Graph) Search(ctx context.Context, query []float32, k int, includeVectors bool) ([]SearchResult, error) {
	if err := vector.AssertDimensions(query, g.dimension, "hnsw.Search"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.entryPoint == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ef := g.efSearch
	if ef < k {
		ef = k
	}

	curr := g.entryPoint
	for lev := g.maxLevel; lev > 0; lev-- {
		res := g.searchLayer(query, []string{curr}, 1, lev)
		if len(res) > 0 {
			curr = res[0].id
		}
	}
	cands := g.searchLayer(query, []string{curr}, ef, 0)
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make([]SearchResult, 0, len(cands))
	for _, c := range cands {
		n := g.nodes[c.id]
		sr := SearchResult{ID: c.id, Score: g.score(c.dist)}
		if includeVectors {
			sr.Vector = vector.Copy(n.vec)
		}
		out = append(out, sr)
	}
	return out, nil
}

func (g *Graph) GetVector(id string) ([]float32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok || n.deleted {
		return nil, false
	}
	return vector.Copy(n.vec), true
}

// unlinkLocked removes id from every neighbor's adjacency list at every
// level it participates in. Caller holds the write lock.
func (g *Graph) unlinkLocked(id string) {
	lvls := g.neighbors[id]
	for level := range lvls {
		for _, nb := range lvls[level] {
			nbLvls := g.neighbors[nb]
			if level >= len(nbLvls) {
				continue
			}
			nbLvls[level] = removeString(nbLvls[level], id)
		}
	}
}

func removeString(s []string, target string) []string {
	out := s[:0]
	for _, x := range s {
		if x != target {
			out = append(out, x)
		}
	}
	return out
}

func (g *Graph) Delete(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok || n.deleted {
		return false
	}
	n.deleted = true
	g.unlinkLocked(id)

	if g.entryPoint == id {
		g.entryPoint = ""
		g.maxLevel = -1
		for otherID, other := range g.nodes {
			if other.deleted {
				continue
			}
			if g.entryPoint == "" || other.level > g.maxLevel {
				g.entryPoint = otherID
				g.maxLevel = other.level
			}
		}
	}
	return true
}

func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, nd := range g.nodes {
		if !nd.deleted {
			n++
		}
	}
	return n
}

func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*node)
	g.neighbors = make(map[string][][]string)
	g.entryPoint = ""
	g.maxLevel = -1
}

func (g *Graph) Save(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Compaction: drop tombstoned nodes entirely before writing, reclaiming
	// their memory (spec Open Question 1's compact-on-save decision).
	live := make(map[string][]float32, len(g.nodes))
	for id, n := range g.nodes {
		if n.deleted {
			delete(g.nodes, id)
			delete(g.neighbors, id)
			continue
		}
		live[id] = n.vec
	}
	return writeSnapshot(path, g.dimension, live)
}

func (g *Graph) Load(path string) (bool, error) {
	vecs, ok, err := readSnapshot(path, g.dimension)
	if err != nil || !ok {
		return ok, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*node)
	g.neighbors = make(map[string][][]string)
	g.entryPoint = ""
	g.maxLevel = -1
	for id, v := range vecs {
		g.insertLocked(id, v)
	}
	return true, nil
}
