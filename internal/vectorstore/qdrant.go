package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/knoguchi/shortlist/internal/retrieval"
)

// DefaultCollection is the collection notes are indexed into.
const DefaultCollection = "shortlist_notes"

// QdrantStore implements VectorStore on a single Qdrant collection.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client.
// url should be in format "host:port" (e.g., "localhost:6334").
func NewQdrantStore(url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}
	if collection == "" {
		collection = DefaultCollection
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Collection returns the collection name.
func (s *QdrantStore) Collection() string {
	return s.collection
}

// EnsureCollection creates the cosine-distance collection if missing.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Upsert inserts or updates points.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: toPayload(p),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search performs cosine similarity search.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]retrieval.Candidate, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(minScore),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]retrieval.Candidate, 0, len(response))
	for _, point := range response {
		c := fromPayload(point.Payload)
		if c.ID == "" {
			c.ID = point.Id.GetUuid()
		}
		c.Score = float64(point.Score)
		results = append(results, c)
	}
	return results, nil
}

// Delete removes points by note id.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(PointID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by IDs: %w", err)
	}
	return nil
}

func toPayload(p Point) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		if val, ok := toValue(v); ok {
			payload[k] = val
		}
	}
	payload[payloadDocID] = qdrant.NewValueString(p.ID)
	payload[payloadText] = qdrant.NewValueString(p.Text)
	return payload
}

// toValue converts scalar metadata. Timestamps are stored as unix seconds so
// the rescorer can age them. Unsupported kinds are skipped.
func toValue(v any) (*qdrant.Value, bool) {
	switch x := v.(type) {
	case string:
		return qdrant.NewValueString(x), true
	case bool:
		return qdrant.NewValueBool(x), true
	case int:
		return qdrant.NewValueInt(int64(x)), true
	case int64:
		return qdrant.NewValueInt(x), true
	case int32:
		return qdrant.NewValueInt(int64(x)), true
	case float32:
		return qdrant.NewValueDouble(float64(x)), true
	case float64:
		return qdrant.NewValueDouble(x), true
	case time.Time:
		return qdrant.NewValueDouble(float64(x.UnixNano()) / 1e9), true
	}
	return nil, false
}

func fromPayload(payload map[string]*qdrant.Value) retrieval.Candidate {
	c := retrieval.Candidate{Metadata: make(map[string]any, len(payload))}
	for k, v := range payload {
		switch k {
		case payloadDocID:
			c.ID = v.GetStringValue()
		case payloadText:
			c.Text = v.GetStringValue()
		default:
			if x, ok := fromValue(v); ok {
				c.Metadata[k] = x
			}
		}
	}
	return c
}

func fromValue(v *qdrant.Value) (any, bool) {
	switch x := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return x.StringValue, true
	case *qdrant.Value_BoolValue:
		return x.BoolValue, true
	case *qdrant.Value_IntegerValue:
		return x.IntegerValue, true
	case *qdrant.Value_DoubleValue:
		return x.DoubleValue, true
	}
	return nil, false
}

// Ensure QdrantStore implements VectorStore.
var _ VectorStore = (*QdrantStore)(nil)
