// Package precedent ranks stored precedent nodes by similarity to a new
// task description.
package precedent

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/basket/taskgraph/internal/graph"
)

const (
	DefaultLimit    = 5
	DefaultMinScore = 0.05

	pageSize = 500
)

// Lister is the read side of the graph store the index needs.
type Lister interface {
	ListNodes(ctx context.Context, q graph.NodeQuery) ([]graph.Node, int, error)
}

type Options struct {
	Limit    int
	MinScore float64
	Logger   *slog.Logger
}

type Index struct {
	store    Lister
	limit    int
	minScore float64
	logger   *slog.Logger
}

func New(store Lister, opts Options) *Index {
	ix := &Index{store: store, limit: opts.Limit, minScore: opts.MinScore, logger: opts.Logger}
	if ix.limit <= 0 {
		ix.limit = DefaultLimit
	}
	if ix.minScore <= 0 {
		ix.minScore = DefaultMinScore
	}
	if ix.logger == nil {
		ix.logger = slog.Default()
	}
	ix.logger = ix.logger.With("component", "precedent")
	return ix
}

// Cursor is a single-use ranked sequence of precedents. Nothing is read
// from the store until the sequence is first iterated.
type Cursor struct {
	ix          *Index
	ctx         context.Context
	description string
	limit       int

	mu   sync.Mutex
	used bool
	err  error
}

// FindPrecedents returns a cursor over at most limit precedents ranked by
// similarity to description. A limit of zero uses the index default.
func (ix *Index) FindPrecedents(ctx context.Context, description string, limit int) *Cursor {
	if limit <= 0 {
		limit = ix.limit
	}
	return &Cursor{ix: ix, ctx: ctx, description: description, limit: limit}
}

// All yields (precedent, score) pairs, best first. Only the first call
// yields anything.
func (c *Cursor) All() iter.Seq2[graph.Node, float64] {
	return func(yield func(graph.Node, float64) bool) {
		c.mu.Lock()
		if c.used {
			c.mu.Unlock()
			return
		}
		c.used = true
		c.mu.Unlock()

		ranked, err := c.ix.rank(c.ctx, c.description)
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		for i, m := range ranked {
			if i >= c.limit {
				return
			}
			if !yield(m.node, m.score) {
				return
			}
		}
	}
}

// Err reports a store failure hit while iterating.
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Collect drains the cursor into a slice.
func (c *Cursor) Collect() ([]Match, error) {
	var out []Match
	for n, score := range c.All() {
		out = append(out, Match{Node: n, Score: score})
	}
	return out, c.Err()
}

// Match is a precedent and its similarity score.
type Match struct {
	Node  graph.Node `json:"node"`
	Score float64    `json:"score"`
}

type scored struct {
	node  graph.Node
	score float64
	ratio float64
}

// PatternOf is the task pattern stored on a precedent, or one derived from
// its title and description when none was recorded.
func PatternOf(n graph.Node) string {
	meta, err := graph.DecodeMeta[graph.PrecedentMeta](n)
	if err == nil && meta.TaskPattern != "" {
		return meta.TaskPattern
	}
	return Normalize(n.Title + " " + n.Description)
}

func (ix *Index) rank(ctx context.Context, description string) ([]scored, error) {
	query := Normalize(description)
	if query == "" {
		return nil, nil
	}
	candidates, err := ix.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []scored
	for _, n := range candidates {
		score := Similarity(query, PatternOf(n))
		if score < ix.minScore {
			continue
		}
		meta, err := graph.DecodeMeta[graph.PrecedentMeta](n)
		if err != nil {
			ix.logger.WarnContext(ctx, "skipping precedent with unreadable metadata", "node_id", n.ID, "error", err)
			continue
		}
		out = append(out, scored{node: n, score: score, ratio: meta.SuccessRatio()})
	}
	slices.SortFunc(out, func(a, b scored) int {
		if !nearlyEqual(a.score, b.score) {
			return cmp.Compare(b.score, a.score)
		}
		if !nearlyEqual(a.ratio, b.ratio) {
			return cmp.Compare(b.ratio, a.ratio)
		}
		if c := b.node.UpdatedAt.Compare(a.node.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.node.ID, b.node.ID)
	})
	return out, nil
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func (ix *Index) loadAll(ctx context.Context) ([]graph.Node, error) {
	var all []graph.Node
	for offset := 0; ; offset += pageSize {
		page, total, err := ix.store.ListNodes(ctx, graph.NodeQuery{
			Type:   graph.NodePrecedent,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list precedents: %w", err)
		}
		all = append(all, page...)
		if len(page) == 0 || len(all) >= total {
			return all, nil
		}
	}
}
