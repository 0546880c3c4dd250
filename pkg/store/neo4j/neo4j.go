package neo4j

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/magpie-ai/magpie/pkg/common"
)

// GraphNeo4jStorage implements the GraphStorage interface on Neo4j.
// Documents, chunks and entities are nodes; relations are RELATES_TO
// relationships carrying their semantic type as a property so Cypher
// stays static. Attribute and provenance sets are stored as JSON
// strings because Neo4j properties cannot nest maps.
type GraphNeo4jStorage struct {
	driver neo4j.DriverWithContext
}

type NewGraphNeo4jStorageParams struct {
	URI      string
	Username string
	Password string
}

// NewGraphNeo4jStorage connects to Neo4j and ensures the uniqueness
// constraints and the meta counter node exist.
func NewGraphNeo4jStorage(ctx context.Context, params NewGraphNeo4jStorageParams) (*GraphNeo4jStorage, error) {
	driver, err := neo4j.NewDriverWithContext(params.URI, neo4j.BasicAuth(params.Username, params.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}

	s := &GraphNeo4jStorage{driver: driver}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewGraphNeo4jStorageWithDriver wraps an existing driver, used by
// tests that provide their own connection.
func NewGraphNeo4jStorageWithDriver(ctx context.Context, driver neo4j.DriverWithContext) (*GraphNeo4jStorage, error) {
	s := &GraphNeo4jStorage{driver: driver}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying driver connection.
func (s *GraphNeo4jStorage) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *GraphNeo4jStorage) ensureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	statements := []string{
		`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`,
		`CREATE INDEX entity_norm_key IF NOT EXISTS FOR (n:Entity) ON (n.norm_key)`,
		`CREATE INDEX chunk_document IF NOT EXISTS FOR (c:Chunk) ON (c.document_id)`,
		`MERGE (m:Meta {id: 'graph'}) ON CREATE SET m.revision = 0, m.next_seq = 0`,
	}
	for _, statement := range statements {
		if _, err := session.Run(ctx, statement, nil); err != nil {
			return fmt.Errorf("failed to ensure neo4j schema: %w", err)
		}
	}
	return nil
}

func (s *GraphNeo4jStorage) GraphRevision(ctx context.Context) (int64, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (m:Meta {id: 'graph'}) RETURN m.revision AS revision`, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read graph revision: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read graph revision: %w", err)
	}
	return getInt64(record.AsMap(), "revision"), nil
}

// Property map accessors. The driver hands back int64, float64, bool,
// string, []any and time.Time; anything else falls through to the
// zero value.

func getString(props map[string]any, key string) string {
	if val, ok := props[key].(string); ok {
		return val
	}
	return ""
}

func getInt64(props map[string]any, key string) int64 {
	switch val := props[key].(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	}
	return 0
}

func getFloat64(props map[string]any, key string) float64 {
	switch val := props[key].(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	}
	return 0
}

func getBool(props map[string]any, key string) bool {
	if val, ok := props[key].(bool); ok {
		return val
	}
	return false
}

func getStringSlice(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func getEmbedding(props map[string]any, key string) []float32 {
	raw, ok := props[key].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]float32, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, float32(f))
		}
	}
	return out
}

func embeddingParam(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	out := make([]float64, len(embedding))
	for i, v := range embedding {
		out[i] = float64(v)
	}
	return out
}

func provenanceJSON(set []common.Provenance) (string, error) {
	if len(set) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("failed to marshal provenance: %w", err)
	}
	return string(data), nil
}

func assertionsJSON(set []common.Assertion) (string, error) {
	if len(set) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("failed to marshal assertions: %w", err)
	}
	return string(data), nil
}

func parseProvenance(raw string) ([]common.Provenance, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []common.Provenance
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provenance: %w", err)
	}
	return out, nil
}

func parseAssertions(raw string) ([]common.Assertion, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []common.Assertion
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assertions: %w", err)
	}
	return out, nil
}

func entityFromProps(props map[string]any) (*common.Node, error) {
	node := &common.Node{
		ID:           getString(props, "id"),
		Name:         getString(props, "name"),
		Type:         getString(props, "type"),
		NormKey:      getString(props, "norm_key"),
		Description:  getString(props, "description"),
		Aliases:      getStringSlice(props, "aliases"),
		Embedding:    getEmbedding(props, "embedding"),
		MergeVersion: getInt64(props, "merge_version"),
		CreatedSeq:   getInt64(props, "created_seq"),
		Retracted:    getBool(props, "retracted"),
	}
	var err error
	if node.Attributes, err = parseAssertions(getString(props, "attributes")); err != nil {
		return nil, err
	}
	if node.Provenance, err = parseProvenance(getString(props, "provenance")); err != nil {
		return nil, err
	}
	return node, nil
}

func edgeFromProps(props map[string]any) (*common.Edge, error) {
	edge := &common.Edge{
		ID:           getString(props, "id"),
		SourceID:     getString(props, "source_id"),
		TargetID:     getString(props, "target_id"),
		Type:         getString(props, "type"),
		Description:  getString(props, "description"),
		Confidence:   getFloat64(props, "confidence"),
		MergeVersion: getInt64(props, "merge_version"),
		Retracted:    getBool(props, "retracted"),
	}
	var err error
	if edge.Attributes, err = parseAssertions(getString(props, "attributes")); err != nil {
		return nil, err
	}
	if edge.Provenance, err = parseProvenance(getString(props, "provenance")); err != nil {
		return nil, err
	}
	return edge, nil
}

// provenanceMarker is the substring a stored provenance JSON contains
// exactly when it references the document. Marshaled JSON carries no
// whitespace, so the match cannot false-positive on other fields.
func provenanceMarker(documentID string) string {
	data, _ := json.Marshal(documentID)
	return `"document_id":` + string(data)
}
