package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/magpie-ai/magpie/pkg/common"
)

// contextBuilder assembles the prompt context while metering the token
// budget piece by piece. Pieces carry their own separators so the
// metered total tracks the final string.
type contextBuilder struct {
	enc    *tiktoken.Tiktoken
	b      strings.Builder
	used   int
	budget int
}

func (cb *contextBuilder) cost(piece string) int {
	return len(cb.enc.Encode(piece, nil, nil))
}

// add appends the piece if it fits the remaining budget.
func (cb *contextBuilder) add(piece string) bool {
	n := cb.cost(piece)
	if cb.used+n > cb.budget {
		return false
	}
	cb.b.WriteString(piece)
	cb.used += n
	return true
}

// force appends the piece regardless of the budget. Used for the
// top-ranked seed's fact line, which is always part of the context.
func (cb *contextBuilder) force(piece string) {
	cb.b.WriteString(piece)
	cb.used += cb.cost(piece)
}

// buildContext flattens the ranked subgraph into the context block the
// synthesis prompt embeds: entity fact lines, relationship triples and
// source passages, each tagged with its provenance id in [[id]] form.
// Lines are emitted in rank order until the token budget is exhausted;
// the top-ranked seed's fact line is emitted even when it alone
// exceeds the budget.
func (c *Client) buildContext(ctx context.Context, r *retrieval, budget int) (string, error) {
	enc, err := tiktoken.GetEncoding(c.cfg.TokenEncoder)
	if err != nil {
		return "", fmt.Errorf("failed to load token encoder %s: %w", c.cfg.TokenEncoder, err)
	}
	cb := &contextBuilder{enc: enc, budget: budget}

	names := make(map[string]string, len(r.nodes))
	topSeed := ""
	for _, rn := range r.nodes {
		names[rn.Node.ID] = rn.Node.Name
		if topSeed == "" && rn.Seed {
			topSeed = rn.Node.ID
		}
	}

	cb.force("Relevant Entities:")
	seedEmitted := topSeed == ""
	overflow := false
	for _, rn := range r.nodes {
		line := "\n" + entityLine(rn.Node)
		if rn.Node.ID == topSeed {
			cb.force(line)
			seedEmitted = true
			if overflow {
				break
			}
			continue
		}
		if overflow {
			// Past the budget already; keep scanning only to emit
			// the guaranteed seed line.
			continue
		}
		if !cb.add(line) {
			if seedEmitted {
				break
			}
			overflow = true
		}
	}

	if len(r.edges) > 0 && cb.add("\n\nRelationships:") {
		for _, re := range r.edges {
			if !cb.add("\n" + relationLine(re.Edge, names)) {
				break
			}
		}
	}

	if cb.used < cb.budget {
		if err := c.appendPassages(ctx, cb, r); err != nil {
			return "", err
		}
	}
	return cb.b.String(), nil
}

// appendPassages backfills raw chunk text for the retrieved subgraph,
// most relevant node's provenance first, while budget remains.
func (c *Client) appendPassages(ctx context.Context, cb *contextBuilder, r *retrieval) error {
	var ids []string
	seen := make(map[string]struct{})
	collect := func(prov []common.Provenance) {
		for _, p := range prov {
			if p.ChunkID == "" {
				continue
			}
			if _, ok := seen[p.ChunkID]; ok {
				continue
			}
			seen[p.ChunkID] = struct{}{}
			ids = append(ids, p.ChunkID)
		}
	}
	for _, rn := range r.nodes {
		collect(rn.Node.Provenance)
	}
	for _, re := range r.edges {
		collect(re.Edge.Provenance)
	}
	if len(ids) == 0 {
		return nil
	}

	chunks, err := c.store.GetChunksByID(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[string]common.Chunk, len(chunks))
	for _, chunk := range chunks {
		byID[chunk.ID] = chunk
	}

	headerDone := false
	for _, id := range ids {
		chunk, ok := byID[id]
		if !ok {
			continue
		}
		if !headerDone {
			if !cb.add("\n\nSource Passages:") {
				return nil
			}
			headerDone = true
		}
		if !cb.add("\n" + passageLine(chunk)) {
			return nil
		}
	}
	return nil
}

// entityLine renders one node as a context fact line:
// <name> (<type>): <description; current attributes> [[id]]
func entityLine(n common.Node) string {
	var facts []string
	if n.Description != "" {
		facts = append(facts, n.Description)
	}
	for _, key := range common.AttributeKeys(n.Attributes) {
		facts = append(facts, key+": "+common.CurrentValue(n.Attributes, key))
	}
	line := fmt.Sprintf("%s (%s)", n.Name, n.Type)
	if len(facts) > 0 {
		line += ": " + strings.Join(facts, "; ")
	}
	return line + " [[" + n.ID + "]]"
}

// relationLine renders one edge as a context triple:
// <source> -[<type>]-> <target>: <description> [[id]]
func relationLine(e common.Edge, names map[string]string) string {
	line := fmt.Sprintf("%s -[%s]-> %s", names[e.SourceID], e.Type, names[e.TargetID])
	if e.Description != "" {
		line += ": " + e.Description
	}
	return line + " [[" + e.ID + "]]"
}

// passageLine renders one chunk as a whitespace-normalized passage.
func passageLine(chunk common.Chunk) string {
	return strings.Join(strings.Fields(chunk.Text), " ") + " [[" + chunk.ID + "]]"
}

// buildGlobalContext renders the ready documents' summaries for the
// corpus-level query mode, one line per document. The first line is
// always emitted; later lines stop at the budget.
func (c *Client) buildGlobalContext(docs []common.Document, budget int) (string, error) {
	enc, err := tiktoken.GetEncoding(c.cfg.TokenEncoder)
	if err != nil {
		return "", fmt.Errorf("failed to load token encoder %s: %w", c.cfg.TokenEncoder, err)
	}
	cb := &contextBuilder{enc: enc, budget: budget}

	wrote := false
	for _, doc := range docs {
		if doc.State != common.StateReady || doc.Summary == "" {
			continue
		}
		line := fmt.Sprintf("%s: %s [[%s]]", doc.Name, doc.Summary, doc.ID)
		if !wrote {
			cb.force("Documents:")
			cb.force("\n" + line)
			wrote = true
			continue
		}
		if !cb.add("\n" + line) {
			break
		}
	}
	if !wrote {
		return "", nil
	}
	return cb.b.String(), nil
}
