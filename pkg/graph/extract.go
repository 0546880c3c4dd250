package graph

import (
	"context"
	"fmt"
	"math"
	"strings"

	_ "github.com/invopop/jsonschema"

	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/common"
)

type extractEntity struct {
	EntityName        string            `json:"entity_name" jsonschema_description:"Name of the entity, all letters capitalized"`
	EntityType        string            `json:"entity_type" jsonschema_description:"One of the provided entity types"`
	EntityDescription string            `json:"entity_description" jsonschema_description:"Comprehensive description of the entity's attributes, activities and information provided by the source."`
	Attributes        map[string]string `json:"attributes,omitempty" jsonschema_description:"Discrete facts stated about the entity as key-value pairs"`
}

type extractRelationship struct {
	SourceEntity            string            `json:"source_entity" jsonschema_description:"Name of the source entity, as identified in step 1"`
	TargetEntity            string            `json:"target_entity" jsonschema_description:"Name of the target entity, as identified in step 1"`
	RelationType            string            `json:"relation_type" jsonschema_description:"Short UPPER_SNAKE_CASE label for the kind of relationship"`
	RelationshipDescription string            `json:"relationship_description" jsonschema_description:"Explanation as to why you think the source entity and the target entity are related to each other"`
	RelationshipStrength    float64           `json:"relationship_strength" jsonschema_description:"A numeric score indicating strength of the relationship between the source entity and target entity"`
	Attributes              map[string]string `json:"attributes,omitempty" jsonschema_description:"Discrete facts stated about the relationship as key-value pairs"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text document"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text document"`
}

// extractFromChunk sends one chunk to the generation model and returns
// the validated candidate records. The model is treated as unreliable:
// records failing validation are dropped here, and the caller decides
// what an error means for the document.
func extractFromChunk(
	ctx context.Context,
	client ai.GraphAIClient,
	chunk common.Chunk,
	documentName string,
	entityTypes []string,
	maxCandidates int,
) ([]common.CandidateEntity, []common.CandidateRelation, error) {
	types := strings.Join(entityTypes, ", ")
	systemPrompt := fmt.Sprintf(ai.ExtractPrompt, types, documentName, types, types)

	var res extractResponse
	err := client.GenerateCompletionWithFormat(
		ctx,
		"extract_entities_and_relationships",
		"Extract entities and relationships from a provided document.",
		chunk.Text,
		&res,
		ai.WithSystemPrompts(systemPrompt),
	)
	if err != nil {
		return nil, nil, err
	}

	entities, relations := validateCandidates(res, chunk.ID, maxCandidates)
	return entities, relations, nil
}

// validateCandidates enforces the extraction boundary: empty labels are
// dropped, confidence is clamped into [0, 1], candidates are capped per
// chunk, and relations keep only endpoints present in the same chunk's
// entity set. Zero surviving candidates is a valid outcome.
func validateCandidates(
	res extractResponse,
	chunkID string,
	maxCandidates int,
) ([]common.CandidateEntity, []common.CandidateRelation) {
	entities := make([]common.CandidateEntity, 0, len(res.Entities))
	labels := make(map[string]struct{}, len(res.Entities))

	for _, e := range res.Entities {
		label := strings.TrimSpace(e.EntityName)
		if label == "" {
			continue
		}
		if len(entities) >= maxCandidates {
			break
		}
		entities = append(entities, common.CandidateEntity{
			Label:       label,
			TypeHint:    strings.TrimSpace(e.EntityType),
			Description: strings.TrimSpace(e.EntityDescription),
			Attributes:  cleanAttributes(e.Attributes),
			ChunkID:     chunkID,
			Confidence:  1,
		})
		labels[strings.ToUpper(label)] = struct{}{}
	}

	relations := make([]common.CandidateRelation, 0, len(res.Relationships))
	for _, r := range res.Relationships {
		source := strings.TrimSpace(r.SourceEntity)
		target := strings.TrimSpace(r.TargetEntity)
		if source == "" || target == "" {
			continue
		}
		if _, ok := labels[strings.ToUpper(source)]; !ok {
			continue
		}
		if _, ok := labels[strings.ToUpper(target)]; !ok {
			continue
		}
		if len(relations) >= maxCandidates {
			break
		}
		relations = append(relations, common.CandidateRelation{
			SourceLabel: source,
			TargetLabel: target,
			Type:        normalizeRelationType(r.RelationType),
			Description: strings.TrimSpace(r.RelationshipDescription),
			Attributes:  cleanAttributes(r.Attributes),
			ChunkID:     chunkID,
			Confidence:  clampConfidence(r.RelationshipStrength),
		})
	}

	return entities, relations
}

func cleanAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	cleaned := make(map[string]string, len(attrs))
	for k, v := range attrs {
		key := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if key == "" || value == "" {
			continue
		}
		cleaned[key] = value
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalizeRelationType canonicalizes relation labels to UPPER_SNAKE
// form so the same relation extracted twice merges into one edge.
func normalizeRelationType(relationType string) string {
	upper := strings.ToUpper(strings.TrimSpace(relationType))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range upper {
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
	normalized := strings.Trim(b.String(), "_")
	if normalized == "" {
		return "RELATED_TO"
	}
	return normalized
}
