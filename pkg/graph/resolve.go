package graph

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/store"
)

// SimilarityFunc scores how alike two normalized entity names are, in
// [0, 1]. Used by the resolver when neither the normalized key nor the
// alias set produces a match.
type SimilarityFunc func(a, b string) float64

// DiceSimilarity is the default SimilarityFunc: the Sørensen-Dice
// coefficient over character bigrams, word boundaries excluded.
func DiceSimilarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ag := bigrams(a)
	bg := bigrams(b)
	if len(ag) == 0 || len(bg) == 0 {
		return 0
	}
	counts := make(map[string]int, len(ag))
	for _, g := range ag {
		counts[g]++
	}
	overlap := 0
	for _, g := range bg {
		if counts[g] > 0 {
			counts[g]--
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(ag)+len(bg))
}

func bigrams(s string) []string {
	runes := []rune(s)
	var grams []string
	for i := 0; i+1 < len(runes); i++ {
		if runes[i] == ' ' || runes[i+1] == ' ' {
			continue
		}
		grams = append(grams, string(runes[i:i+2]))
	}
	return grams
}

// leadingStopWords are stripped from the front of entity names before
// comparison so "The Acme Corporation" and "Dr. Jane Smith" match their
// bare forms.
var leadingStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {},
	"dr": {}, "mr": {}, "mrs": {}, "ms": {}, "prof": {}, "sir": {}, "dame": {},
}

// typeClassSynonyms folds common extraction type variants into one
// canonical class per concept.
var typeClassSynonyms = map[string]string{
	"PEOPLE":      "PERSON",
	"HUMAN":       "PERSON",
	"ORG":         "ORGANIZATION",
	"COMPANY":     "ORGANIZATION",
	"CORPORATION": "ORGANIZATION",
	"INSTITUTION": "ORGANIZATION",
	"PLACE":       "LOCATION",
	"GPE":         "LOCATION",
	"CITY":        "LOCATION",
	"COUNTRY":     "LOCATION",
	"WORK_OF_ART": "CREATIVE_WORK",
	"BOOK":        "CREATIVE_WORK",
	"FILM":        "CREATIVE_WORK",
	"TIME":        "DATE",
	"YEAR":        "DATE",
	"TOPIC":       "CONCEPT",
	"IDEA":        "CONCEPT",
}

// NormalizeEntityKey returns the comparison key a label and type hint
// resolve under: the normalized name and the canonical type class,
// joined with "|". Stored on every node as NormKey.
func NormalizeEntityKey(label, typeHint string) string {
	return normalizeEntityName(label) + "|" + normalizeTypeClass(typeHint)
}

// normalizeEntityName case-folds, strips punctuation, collapses
// whitespace and removes leading determiners and honorifics. The last
// word always survives so a name is never normalized away entirely.
func normalizeEntityName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	for len(fields) > 1 {
		if _, ok := leadingStopWords[fields[0]]; !ok {
			break
		}
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

func normalizeTypeClass(typeHint string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(strings.TrimSpace(typeHint)) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	class := strings.Trim(b.String(), "_")
	if canonical, ok := typeClassSynonyms[class]; ok {
		return canonical
	}
	return class
}

func typeCompatible(a, b string) bool {
	return a == b || a == "" || b == ""
}

type assertionDelta struct {
	key        string
	value      string
	chunkID    string
	documentID string
}

// resolvedNode is one document batch's contribution to a single graph
// node. For existing nodes it is a delta the merger can re-apply after
// a version conflict; for new nodes it is the full initial state.
type resolvedNode struct {
	id          string
	isNew       bool
	name        string
	nodeType    string
	normKey     string
	description string
	aliases     []string
	assertions  []assertionDelta
	provenance  []common.Provenance
	snapshot    *common.Node
	embedding   []float32
	inBatch     bool
}

func (rn *resolvedNode) addAlias(label string) bool {
	if strings.EqualFold(label, rn.name) {
		return false
	}
	if rn.snapshot != nil {
		for _, a := range rn.snapshot.Aliases {
			if strings.EqualFold(a, label) {
				return false
			}
		}
	}
	for _, a := range rn.aliases {
		if strings.EqualFold(a, label) {
			return false
		}
	}
	rn.aliases = append(rn.aliases, label)
	return true
}

func (rn *resolvedNode) addAssertion(d assertionDelta) {
	for _, existing := range rn.assertions {
		if existing == d {
			return
		}
	}
	rn.assertions = append(rn.assertions, d)
}

// resolvedEdge is the merged contribution to one directed typed edge.
// Candidates with the same endpoints and type collapse here before the
// merger runs.
type resolvedEdge struct {
	source      *resolvedNode
	target      *resolvedNode
	edgeType    string
	description string
	confidences []float64
	assertions  []assertionDelta
	provenance  []common.Provenance
}

func (re *resolvedEdge) addAssertion(d assertionDelta) {
	for _, existing := range re.assertions {
		if existing == d {
			return
		}
	}
	re.assertions = append(re.assertions, d)
}

// resolution is a document batch mapped onto canonical nodes and
// edges, in first-touch order, ready for the merger.
type resolution struct {
	nodes     []*resolvedNode
	edges     []*resolvedEdge
	ambiguous int
}

// entryOrder ranks resolver entries for deterministic tie-breaking:
// existing nodes by creation sequence, then batch-new nodes by creation
// order.
type entryOrder struct {
	rank int
	seq  int64
}

func (o entryOrder) less(p entryOrder) bool {
	if o.rank != p.rank {
		return o.rank < p.rank
	}
	return o.seq < p.seq
}

type resolverEntry struct {
	resolved *resolvedNode
	normName string
	class    string
	order    entryOrder
}

// resolver maps candidate entities and relations onto canonical graph
// nodes. Build one per document batch with newResolver, load the graph
// snapshot, then call resolve once.
type resolver struct {
	similarity SimilarityFunc
	threshold  float64
	margin     float64

	entries  []*resolverEntry
	byKey    map[string]*resolverEntry
	byName   map[string][]*resolverEntry
	batchSeq int64
}

func newResolver(similarity SimilarityFunc, threshold, margin float64) *resolver {
	return &resolver{
		similarity: similarity,
		threshold:  threshold,
		margin:     margin,
		byKey:      make(map[string]*resolverEntry),
		byName:     make(map[string][]*resolverEntry),
	}
}

// loadSnapshot indexes the live graph so candidates can match existing
// nodes. AllNodes returns nodes in creation order, which makes the
// first key registration the earliest-created node.
func (r *resolver) loadSnapshot(ctx context.Context, st store.GraphStorage) error {
	nodes, err := st.AllNodes(ctx)
	if err != nil {
		return err
	}
	for i := range nodes {
		node := nodes[i]
		if node.Retracted {
			continue
		}
		key := node.NormKey
		if key == "" {
			key = NormalizeEntityKey(node.Name, node.Type)
		}
		entry := &resolverEntry{
			resolved: &resolvedNode{
				id:       node.ID,
				name:     node.Name,
				nodeType: node.Type,
				normKey:  key,
				snapshot: &node,
			},
			normName: normalizeEntityName(node.Name),
			class:    normalizeTypeClass(node.Type),
			order:    entryOrder{rank: 0, seq: node.CreatedSeq},
		}
		r.register(entry, key, node.Aliases)
	}
	return nil
}

func (r *resolver) register(entry *resolverEntry, key string, aliases []string) {
	r.entries = append(r.entries, entry)
	if _, ok := r.byKey[key]; !ok {
		r.byKey[key] = entry
	}
	r.addName(entry.normName, entry)
	for _, alias := range aliases {
		r.addName(normalizeEntityName(alias), entry)
	}
}

func (r *resolver) addName(name string, entry *resolverEntry) {
	if name == "" {
		return
	}
	for _, existing := range r.byName[name] {
		if existing == entry {
			return
		}
	}
	r.byName[name] = append(r.byName[name], entry)
}

// resolve maps one document's candidates onto the indexed graph.
// Candidates are processed in extraction order; a candidate may match a
// node created earlier in the same batch.
func (r *resolver) resolve(
	documentID string,
	entities []common.CandidateEntity,
	relations []common.CandidateRelation,
) (*resolution, error) {
	res := &resolution{}

	for _, cand := range entities {
		normName := normalizeEntityName(cand.Label)
		if normName == "" {
			continue
		}
		class := normalizeTypeClass(cand.TypeHint)
		key := normName + "|" + class

		entry, ambiguous := r.lookup(normName, class, key)
		if ambiguous {
			res.ambiguous++
			logger.Warn("[Resolve] Ambiguous entity match",
				"label", cand.Label,
				"resolved_to", entry.resolved.name,
				"document_id", documentID,
			)
		}

		if entry == nil {
			created, err := r.createEntry(cand, normName, class, key)
			if err != nil {
				return nil, err
			}
			entry = created
		}
		r.mergeCandidate(res, entry, cand, documentID)
	}

	edgeIndex := make(map[string]*resolvedEdge)
	for _, cand := range relations {
		source := r.lookupLabel(cand.SourceLabel)
		target := r.lookupLabel(cand.TargetLabel)
		if source == nil || target == nil {
			continue
		}
		if source.resolved == target.resolved {
			continue
		}

		edgeType := normalizeRelationType(cand.Type)
		edgeKey := source.resolved.id + "|" + target.resolved.id + "|" + edgeType
		re, ok := edgeIndex[edgeKey]
		if !ok {
			re = &resolvedEdge{
				source:   source.resolved,
				target:   target.resolved,
				edgeType: edgeType,
			}
			edgeIndex[edgeKey] = re
			res.edges = append(res.edges, re)
		}

		re.confidences = append(re.confidences, cand.Confidence)
		if len(cand.Description) > len(re.description) {
			re.description = cand.Description
		}
		for _, k := range sortedKeys(cand.Attributes) {
			re.addAssertion(assertionDelta{
				key:        k,
				value:      cand.Attributes[k],
				chunkID:    cand.ChunkID,
				documentID: documentID,
			})
		}
		re.provenance = common.AppendProvenance(re.provenance, common.Provenance{
			ChunkID:    cand.ChunkID,
			DocumentID: documentID,
		})
	}

	return res, nil
}

func (r *resolver) createEntry(
	cand common.CandidateEntity,
	normName string,
	class string,
	key string,
) (*resolverEntry, error) {
	id, err := util.NewID()
	if err != nil {
		return nil, err
	}
	r.batchSeq++
	entry := &resolverEntry{
		resolved: &resolvedNode{
			id:       id,
			isNew:    true,
			name:     cand.Label,
			nodeType: class,
			normKey:  key,
		},
		normName: normName,
		class:    class,
		order:    entryOrder{rank: 1, seq: r.batchSeq},
	}
	r.register(entry, key, nil)
	return entry, nil
}

func (r *resolver) mergeCandidate(
	res *resolution,
	entry *resolverEntry,
	cand common.CandidateEntity,
	documentID string,
) {
	rn := entry.resolved
	if !rn.inBatch {
		rn.inBatch = true
		res.nodes = append(res.nodes, rn)
	}

	if rn.addAlias(cand.Label) {
		r.addName(normalizeEntityName(cand.Label), entry)
	}
	if len(cand.Description) > len(rn.description) {
		rn.description = cand.Description
	}
	for _, k := range sortedKeys(cand.Attributes) {
		rn.addAssertion(assertionDelta{
			key:        k,
			value:      cand.Attributes[k],
			chunkID:    cand.ChunkID,
			documentID: documentID,
		})
	}
	rn.provenance = common.AppendProvenance(rn.provenance, common.Provenance{
		ChunkID:    cand.ChunkID,
		DocumentID: documentID,
	})
}

// lookup finds the node a candidate resolves to: exact normalized key,
// then alias membership, then name similarity above the threshold.
// The returned flag reports an ambiguous match, which is resolved
// deterministically and logged by the caller, never fatal.
func (r *resolver) lookup(normName, class, key string) (*resolverEntry, bool) {
	if entry, ok := r.byKey[key]; ok {
		return entry, false
	}

	var aliasMatches []*resolverEntry
	for _, entry := range r.byName[normName] {
		if typeCompatible(entry.class, class) {
			aliasMatches = append(aliasMatches, entry)
		}
	}
	if len(aliasMatches) == 1 {
		return aliasMatches[0], false
	}
	if len(aliasMatches) > 1 {
		return pickEarliest(aliasMatches), true
	}

	return r.bySimilarity(normName, class, true)
}

// lookupLabel resolves a relation endpoint label. Relations carry no
// type hint, so the class constraint is dropped.
func (r *resolver) lookupLabel(label string) *resolverEntry {
	normName := normalizeEntityName(label)
	if normName == "" {
		return nil
	}
	if matches := r.byName[normName]; len(matches) > 0 {
		return pickEarliest(matches)
	}
	entry, _ := r.bySimilarity(normName, "", false)
	return entry
}

func (r *resolver) bySimilarity(normName, class string, checkClass bool) (*resolverEntry, bool) {
	type scoredEntry struct {
		entry *resolverEntry
		score float64
	}
	var matches []scoredEntry
	for _, entry := range r.entries {
		if checkClass && !typeCompatible(entry.class, class) {
			continue
		}
		score := r.similarity(normName, entry.normName)
		if score >= r.threshold {
			matches = append(matches, scoredEntry{entry: entry, score: score})
		}
	}
	if len(matches) == 0 {
		return nil, false
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].entry.order.less(matches[j].entry.order)
	})
	ambiguous := len(matches) > 1 && matches[0].score-matches[1].score <= r.margin
	return matches[0].entry, ambiguous
}

func pickEarliest(entries []*resolverEntry) *resolverEntry {
	best := entries[0]
	for _, entry := range entries[1:] {
		if entry.order.less(best.order) {
			best = entry
		}
	}
	return best
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
