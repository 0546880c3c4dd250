package query

import (
	"context"
	"errors"
	"sort"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/logger"
)

// retrieval is the ranked subgraph for one question, nodes and edges
// each ordered score descending then id ascending.
type retrieval struct {
	nodes []RankedNode
	edges []RankedEdge
}

func (r *retrieval) empty() bool {
	return len(r.nodes) == 0
}

type visit struct {
	node   common.Node
	score  float64
	hops   int
	seed   bool
	loaded bool
}

// retrieve seeds nodes by embedding similarity to the question, then
// expands them breadth-first up to MaxHops. Each frontier node expands
// at most FanOut untaken edges, best edge score first (confidence
// discounted by HopDecay per hop), ties by edge id. A node's final
// score is the maximum of its seed similarity and the best edge score
// that reached it. The result is deterministic for a fixed graph
// snapshot and question.
func (c *Client) retrieve(ctx context.Context, question string, p Params) (*retrieval, error) {
	embedding, err := util.Retry(ctx, c.cfg.Retry, func(rctx context.Context) ([]float32, error) {
		return c.ai.GenerateEmbedding(rctx, []byte(question))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &common.ExternalCallError{Op: "embed_question", Attempts: c.cfg.Retry.MaxAttempts, Err: err}
	}

	seeds, err := c.store.SimilarNodes(ctx, embedding, p.TopK, 0)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return &retrieval{}, nil
	}

	visited := make(map[string]*visit, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		visited[seed.Node.ID] = &visit{node: seed.Node, score: seed.Score, seed: true, loaded: true}
		frontier = append(frontier, seed.Node.ID)
	}

	var taken []RankedEdge
	seenEdges := make(map[string]struct{})
	decay := 1.0
	for hop := 1; hop <= p.MaxHops && len(frontier) > 0; hop++ {
		decay *= p.HopDecay

		neighbors, err := c.store.Neighbors(ctx, frontier)
		if err != nil {
			return nil, err
		}
		inFrontier := make(map[string]struct{}, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = struct{}{}
		}
		candidates := make(map[string][]common.Edge, len(frontier))
		for _, edge := range neighbors {
			if edge.Confidence < p.MinEdgeConfidence {
				continue
			}
			if _, ok := inFrontier[edge.SourceID]; ok {
				candidates[edge.SourceID] = append(candidates[edge.SourceID], edge)
			}
			if _, ok := inFrontier[edge.TargetID]; ok && edge.TargetID != edge.SourceID {
				candidates[edge.TargetID] = append(candidates[edge.TargetID], edge)
			}
		}

		sort.Slice(frontier, func(i, j int) bool {
			a, b := visited[frontier[i]], visited[frontier[j]]
			if a.score != b.score {
				return a.score > b.score
			}
			return frontier[i] < frontier[j]
		})

		var next []string
		for _, id := range frontier {
			edges := candidates[id]
			sort.Slice(edges, func(i, j int) bool {
				if edges[i].Confidence != edges[j].Confidence {
					return edges[i].Confidence > edges[j].Confidence
				}
				return edges[i].ID < edges[j].ID
			})

			expanded := 0
			for _, edge := range edges {
				if expanded == p.FanOut {
					break
				}
				if _, ok := seenEdges[edge.ID]; ok {
					continue
				}
				expanded++
				seenEdges[edge.ID] = struct{}{}

				score := edge.Confidence * decay
				taken = append(taken, RankedEdge{Edge: edge, Score: score, Hop: hop})

				other := edge.TargetID
				if other == id {
					other = edge.SourceID
				}
				if v, ok := visited[other]; ok {
					if score > v.score {
						v.score = score
					}
					continue
				}
				visited[other] = &visit{score: score, hops: hop}
				next = append(next, other)
			}
		}
		frontier = next
	}

	if err := c.loadVisited(ctx, visited); err != nil {
		return nil, err
	}

	nodes := make([]RankedNode, 0, len(visited))
	for id, v := range visited {
		if !v.loaded {
			// The node vanished between traversal and load, most
			// likely a concurrent retraction. Drop it and its edges.
			delete(visited, id)
			continue
		}
		nodes = append(nodes, RankedNode{Node: v.node, Score: v.score, Hops: v.hops, Seed: v.seed})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Score != nodes[j].Score {
			return nodes[i].Score > nodes[j].Score
		}
		return nodes[i].Node.ID < nodes[j].Node.ID
	})

	edges := make([]RankedEdge, 0, len(taken))
	for _, re := range taken {
		if _, ok := visited[re.Edge.SourceID]; !ok {
			continue
		}
		if _, ok := visited[re.Edge.TargetID]; !ok {
			continue
		}
		edges = append(edges, re)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Score != edges[j].Score {
			return edges[i].Score > edges[j].Score
		}
		return edges[i].Edge.ID < edges[j].Edge.ID
	})

	logger.Debug("[Query] Retrieved subgraph",
		"seeds", len(seeds), "nodes", len(nodes), "edges", len(edges))
	return &retrieval{nodes: nodes, edges: edges}, nil
}

// loadVisited fetches the node payloads for nodes reached through
// traversal; seeds arrive loaded from the similarity search.
func (c *Client) loadVisited(ctx context.Context, visited map[string]*visit) error {
	var missing []string
	for id, v := range visited {
		if !v.loaded {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	nodes, err := c.store.GetNodes(ctx, missing)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if v, ok := visited[node.ID]; ok {
			v.node = node
			v.loaded = true
		}
	}
	return nil
}
