package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/store"
)

type mergeStats struct {
	nodesCreated int
	nodesUpdated int
	edgesCreated int
	edgesUpdated int
}

// mergeResolution writes a resolved batch into the graph store under
// optimistic concurrency. Nodes are merged before edges so an edge
// never references a node that failed to merge. A version conflict
// re-reads the current state, re-applies the delta and retries up to
// MergeMaxAttempts.
func (c *Client) mergeResolution(ctx context.Context, res *resolution) (*mergeStats, error) {
	if err := c.embedResolvedNodes(ctx, res.nodes); err != nil {
		return nil, err
	}

	stats := &mergeStats{}
	for _, rn := range res.nodes {
		created, err := c.mergeNode(ctx, rn)
		if err != nil {
			return stats, err
		}
		if created {
			stats.nodesCreated++
		} else {
			stats.nodesUpdated++
		}
	}
	for _, re := range res.edges {
		created, err := c.mergeEdge(ctx, re)
		if err != nil {
			return stats, err
		}
		if created {
			stats.edgesCreated++
		} else {
			stats.edgesUpdated++
		}
	}
	return stats, nil
}

// embedResolvedNodes computes embeddings for nodes the batch creates or
// whose description it extends, in one batched model call. Retries on
// a conflict reuse these vectors instead of embedding again.
func (c *Client) embedResolvedNodes(ctx context.Context, nodes []*resolvedNode) error {
	var inputs [][]byte
	var targets []*resolvedNode
	for _, rn := range nodes {
		if !rn.isNew && (rn.snapshot == nil || len(rn.description) <= len(rn.snapshot.Description)) {
			continue
		}
		text := rn.name
		if rn.description != "" {
			text += "\n" + rn.description
		}
		inputs = append(inputs, []byte(text))
		targets = append(targets, rn)
	}
	if len(inputs) == 0 {
		return nil
	}

	embeddings, err := util.Retry(ctx, c.cfg.Retry, func(ctx context.Context) ([][]float32, error) {
		return c.ai.GenerateEmbeddings(ctx, inputs)
	})
	if err != nil {
		return &common.ExternalCallError{Op: "embed_nodes", Attempts: c.cfg.Retry.MaxAttempts, Err: err}
	}
	if len(embeddings) != len(targets) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(targets))
	}
	for i, rn := range targets {
		rn.embedding = embeddings[i]
	}
	return nil
}

func (c *Client) mergeNode(ctx context.Context, rn *resolvedNode) (bool, error) {
	base := rn.snapshot
	isNew := rn.isNew

	for attempt := 1; attempt <= c.cfg.MergeMaxAttempts; attempt++ {
		var node common.Node
		var expected int64
		if isNew {
			node = buildNode(rn)
		} else {
			node = applyNodeDelta(*base, rn)
			expected = base.MergeVersion
		}

		_, err := c.store.UpsertNode(ctx, node, expected)
		if err == nil {
			return isNew, nil
		}
		if !errors.Is(err, store.ErrVersionMismatch) {
			return false, err
		}

		fresh, ferr := c.store.GetNodes(ctx, []string{rn.id})
		if ferr != nil {
			return false, ferr
		}
		if len(fresh) == 0 {
			if !isNew {
				return false, &common.NotFoundError{Kind: "node", ID: rn.id}
			}
		} else {
			base = &fresh[0]
			isNew = false
		}
		logger.Warn("[Merge] Node version conflict, retrying",
			"node_id", rn.id, "attempt", attempt)
	}
	return false, &common.MergeConflictError{
		Kind:     "node",
		ID:       rn.id,
		Attempts: c.cfg.MergeMaxAttempts,
	}
}

func (c *Client) mergeEdge(ctx context.Context, re *resolvedEdge) (bool, error) {
	batchConfidence := averageConfidence(re.confidences)
	edgeID := ""

	for attempt := 1; attempt <= c.cfg.MergeMaxAttempts; attempt++ {
		existing, err := c.store.EdgeByEndpoints(ctx, re.source.id, re.target.id, re.edgeType)
		if err != nil && !common.IsNotFound(err) {
			return false, err
		}

		var edge common.Edge
		var expected int64
		creating := existing == nil
		if creating {
			if edgeID == "" {
				edgeID, err = util.NewID()
				if err != nil {
					return false, err
				}
			}
			edge = buildEdge(re, edgeID, batchConfidence)
		} else {
			edge = applyEdgeDelta(*existing, re, batchConfidence)
			expected = existing.MergeVersion
		}

		_, err = c.store.UpsertEdge(ctx, edge, expected)
		if err == nil {
			return creating, nil
		}
		if !errors.Is(err, store.ErrVersionMismatch) {
			return false, err
		}
		logger.Warn("[Merge] Edge version conflict, retrying",
			"source_id", re.source.id, "target_id", re.target.id,
			"type", re.edgeType, "attempt", attempt)
	}
	return false, &common.MergeConflictError{
		Kind:     "edge",
		ID:       re.source.id + "-" + re.edgeType + "-" + re.target.id,
		Attempts: c.cfg.MergeMaxAttempts,
	}
}

func buildNode(rn *resolvedNode) common.Node {
	node := common.Node{
		ID:          rn.id,
		Name:        rn.name,
		Type:        rn.nodeType,
		NormKey:     rn.normKey,
		Description: rn.description,
		Aliases:     append([]string(nil), rn.aliases...),
		Embedding:   rn.embedding,
	}
	for i, d := range rn.assertions {
		node.Attributes = append(node.Attributes, common.Assertion{
			Key:        d.key,
			Value:      d.value,
			ChunkID:    d.chunkID,
			DocumentID: d.documentID,
			Seq:        int64(i + 1),
		})
	}
	node.Provenance = append(node.Provenance, rn.provenance...)
	return node
}

// applyNodeDelta layers a batch's contribution onto the current stored
// state. Appending provenance revives a node retracted by a concurrent
// retraction: the document merging right now asserts it again.
func applyNodeDelta(base common.Node, rn *resolvedNode) common.Node {
	node := base
	node.Aliases = append([]string(nil), base.Aliases...)
	node.Attributes = append([]common.Assertion(nil), base.Attributes...)
	node.Provenance = append([]common.Provenance(nil), base.Provenance...)

	for _, alias := range rn.aliases {
		if strings.EqualFold(node.Name, alias) || containsFold(node.Aliases, alias) {
			continue
		}
		node.Aliases = append(node.Aliases, alias)
	}
	if len(rn.description) > len(node.Description) {
		node.Description = rn.description
	}

	seq := maxAssertionSeq(node.Attributes)
	for _, d := range rn.assertions {
		if hasAssertionDelta(node.Attributes, d) {
			continue
		}
		seq++
		node.Attributes = append(node.Attributes, common.Assertion{
			Key:        d.key,
			Value:      d.value,
			ChunkID:    d.chunkID,
			DocumentID: d.documentID,
			Seq:        seq,
		})
	}
	for _, p := range rn.provenance {
		node.Provenance = common.AppendProvenance(node.Provenance, p)
	}
	if len(rn.embedding) > 0 {
		node.Embedding = rn.embedding
	}
	if len(rn.provenance) > 0 {
		node.Retracted = false
	}
	return node
}

func buildEdge(re *resolvedEdge, id string, confidence float64) common.Edge {
	edge := common.Edge{
		ID:          id,
		SourceID:    re.source.id,
		TargetID:    re.target.id,
		Type:        re.edgeType,
		Description: re.description,
		Confidence:  confidence,
	}
	for i, d := range re.assertions {
		edge.Attributes = append(edge.Attributes, common.Assertion{
			Key:        d.key,
			Value:      d.value,
			ChunkID:    d.chunkID,
			DocumentID: d.documentID,
			Seq:        int64(i + 1),
		})
	}
	edge.Provenance = append(edge.Provenance, re.provenance...)
	return edge
}

func applyEdgeDelta(base common.Edge, re *resolvedEdge, batchConfidence float64) common.Edge {
	edge := base
	edge.Attributes = append([]common.Assertion(nil), base.Attributes...)
	edge.Provenance = append([]common.Provenance(nil), base.Provenance...)

	edge.Confidence = (base.Confidence + batchConfidence) / 2
	if len(re.description) > len(edge.Description) {
		edge.Description = re.description
	}

	seq := maxAssertionSeq(edge.Attributes)
	for _, d := range re.assertions {
		if hasAssertionDelta(edge.Attributes, d) {
			continue
		}
		seq++
		edge.Attributes = append(edge.Attributes, common.Assertion{
			Key:        d.key,
			Value:      d.value,
			ChunkID:    d.chunkID,
			DocumentID: d.documentID,
			Seq:        seq,
		})
	}
	for _, p := range re.provenance {
		edge.Provenance = common.AppendProvenance(edge.Provenance, p)
	}
	if len(re.provenance) > 0 {
		edge.Retracted = false
	}
	return edge
}

func averageConfidence(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	return sum / float64(len(confidences))
}

func maxAssertionSeq(assertions []common.Assertion) int64 {
	var maxSeq int64
	for _, a := range assertions {
		if a.Seq > maxSeq {
			maxSeq = a.Seq
		}
	}
	return maxSeq
}

func hasAssertionDelta(assertions []common.Assertion, d assertionDelta) bool {
	for _, a := range assertions {
		if a.Key == d.key && a.Value == d.value && a.ChunkID == d.chunkID && a.DocumentID == d.documentID {
			return true
		}
	}
	return false
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
