package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateIndex keeps one class per workspace, with vectors supplied by the caller.
type WeaviateIndex struct {
	client *weaviate.Client
}

func NewWeaviateIndex(client *weaviate.Client) *WeaviateIndex {
	return &WeaviateIndex{client: client}
}

// ClassName maps a workspace id onto a valid weaviate class name.
func ClassName(workspaceID string) string {
	return "Workspace_" + strings.ReplaceAll(workspaceID, "-", "_")
}

func chunkClass(name string) *models.Class {
	filterable := true
	return &models.Class{
		Class:       name,
		Description: "Embedded document chunks of one workspace.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "document_id", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "ordinal", DataType: []string{"int"}},
		},
	}
}

func (x *WeaviateIndex) EnsureCollection(ctx context.Context, workspaceID string) error {
	name := ClassName(workspaceID)
	if _, err := x.client.Schema().ClassGetter().WithClassName(name).Do(ctx); err == nil {
		return nil
	}
	if err := x.client.Schema().ClassCreator().WithClass(chunkClass(name)).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class %s: %w", name, err)
	}
	return nil
}

func (x *WeaviateIndex) DropCollection(ctx context.Context, workspaceID string) error {
	if err := x.client.Schema().ClassDeleter().WithClassName(ClassName(workspaceID)).Do(ctx); err != nil {
		return fmt.Errorf("drop weaviate class: %w", err)
	}
	return nil
}

// Upsert writes chunks under deterministic ids, so re-indexing a document overwrites it.
func (x *WeaviateIndex) Upsert(ctx context.Context, workspaceID, documentID string, chunks []IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	class := ClassName(workspaceID)
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:  class,
			ID:     ChunkObjectID(documentID, c.Ordinal),
			Vector: c.Vector,
			Properties: map[string]interface{}{
				"content":     c.Content,
				"document_id": documentID,
				"ordinal":     c.Ordinal,
			},
		}
	}

	resp, err := x.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate batch import: %w", err)
	}
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			return fmt.Errorf("weaviate batch item %s: %s", item.ID, item.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (x *WeaviateIndex) DeleteDocument(ctx context.Context, workspaceID, documentID string) error {
	_, err := x.client.Batch().ObjectsBatchDeleter().
		WithClassName(ClassName(workspaceID)).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"document_id"}).
			WithOperator(filters.Equal).
			WithValueString(documentID)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate delete document %s: %w", documentID, err)
	}
	return nil
}

func (x *WeaviateIndex) Search(ctx context.Context, workspaceID string, vector []float32, topK int) ([]Passage, error) {
	class := ClassName(workspaceID)
	result, err := x.client.GraphQL().Get().
		WithClassName(class).
		WithFields(
			graphql.Field{Name: "content"},
			graphql.Field{Name: "document_id"},
			graphql.Field{Name: "ordinal"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithNearVector(x.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", result.Errors[0].Message)
	}
	return parsePassages(result.Data, class), nil
}

// ChunkObjectID derives a stable object id for one chunk of a document.
func ChunkObjectID(documentID string, ordinal int) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentID+":"+strconv.Itoa(ordinal))).String())
}

func parsePassages(data map[string]models.JSONObject, class string) []Passage {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	items, ok := get[class].([]interface{})
	if !ok {
		return nil
	}
	passages := make([]Passage, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		p := Passage{}
		p.Content, _ = m["content"].(string)
		p.DocumentID, _ = m["document_id"].(string)
		if ord, ok := m["ordinal"].(float64); ok {
			p.Ordinal = int(ord)
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			p.Score, _ = additional["certainty"].(float64)
		}
		passages = append(passages, p)
	}
	return passages
}
