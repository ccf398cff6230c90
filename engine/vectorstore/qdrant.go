package vectorstore

import (
	"context"
	"fmt"

	"github.com/WessleyAI/driveiq/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultCollection is the Qdrant collection holding document chunks.
const DefaultCollection = "driveiq_documents"

// Payload keys. document_type and topics carry keyword indexes.
const (
	keyDocumentName = "document_name"
	keyDocumentType = "document_type"
	keyChunkIndex   = "chunk_index"
	keyContent      = "content"
	keyPageNumber   = "page_number"
	keyChapter      = "chapter"
	keySection      = "section"
	keyTopics       = "topics"
	keyTokens       = "tokens"
)

var indexedFields = []string{keyDocumentName, keyDocumentType, keyTopics}

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Qdrant is the sole owner of all Qdrant operations.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dims        int
}

// NewQdrant connects to Qdrant's gRPC port. The connection is lazy; call
// EnsureCollection to verify it.
func NewQdrant(addr, collection string, dims int) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial qdrant %s: %w", addr, err)
	}
	q := NewQdrantWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims)
	q.conn = conn
	return q, nil
}

// NewQdrantWithClients builds a store over existing gRPC clients.
func NewQdrantWithClients(points pointsAPI, collections collectionsAPI, collection string, dims int) *Qdrant {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Qdrant{points: points, collections: collections, collection: collection, dims: dims}
}

// Name implements Store.
func (q *Qdrant) Name() string { return BackendQdrant }

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection with cosine distance and the payload
// indexes if it doesn't exist.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", q.collection, err)
	}

	wait := true
	for _, field := range indexedFields {
		_, err := q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: q.collection,
			Wait:           &wait,
			FieldName:      field,
			FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("vectorstore: index %s.%s: %w", q.collection, field, err)
		}
	}
	return nil
}

// DeleteCollection deletes the collection.
func (q *Qdrant) DeleteCollection(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("vectorstore: delete collection %s: %w", q.collection, err)
	}
	return nil
}

// Upsert implements Store.
func (q *Qdrant) Upsert(ctx context.Context, chunks []domain.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != q.dims {
			return fmt.Errorf("vectorstore: chunk %s has %d dims, want %d: %w", c.ID, len(c.Embedding), q.dims, domain.ErrDimensionMismatch)
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: c.Embedding},
				},
			},
			Payload: chunkPayload(c),
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: qdrant upsert %d points: %w", len(chunks), err)
	}
	return nil
}

// Search implements Store.
func (q *Qdrant) Search(ctx context.Context, vec []float32, limit int, threshold float64, f domain.Filter) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(limit),
		Filter:         qdrantFilter(f),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if threshold > 0 {
		t := float32(threshold)
		req.ScoreThreshold = &t
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: qdrant search: %w", err)
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		c := payloadChunk(r.GetPayload())
		c.ID = r.GetId().GetUuid()
		hits[i] = Hit{Chunk: c, Score: float64(r.GetScore())}
	}
	return hits, nil
}

// Delete implements Store. An empty filter drops and recreates the collection.
func (q *Qdrant) Delete(ctx context.Context, f domain.Filter) error {
	if f.IsEmpty() {
		if err := q.DeleteCollection(ctx); err != nil {
			return err
		}
		return q.EnsureCollection(ctx)
	}
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: qdrantFilter(f)},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: qdrant delete: %w", err)
	}
	return nil
}

// Count implements Store.
func (q *Qdrant) Count(ctx context.Context) (int64, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: qdrant count: %w", err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

// Health implements Store.
func (q *Qdrant) Health(ctx context.Context) Health {
	h := Health{Backend: BackendQdrant}
	resp, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection})
	if err != nil {
		h.Error = err.Error()
		return h
	}
	info := resp.GetResult()
	h.Connected = true
	h.Points = int64(info.GetPointsCount())
	h.Status = info.GetStatus().String()
	return h
}

func qdrantFilter(f domain.Filter) *pb.Filter {
	if f.IsEmpty() {
		return nil
	}
	var must []*pb.Condition
	if f.DocumentName != "" {
		must = append(must, fieldMatch(keyDocumentName, f.DocumentName))
	}
	if f.DocumentType != "" {
		must = append(must, fieldMatch(keyDocumentType, f.DocumentType))
	}
	if len(f.Topics) > 0 {
		must = append(must, fieldMatchAny(keyTopics, f.Topics))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func fieldMatchAny(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}},
				},
			},
		},
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(n)}}
}

func chunkPayload(c domain.DocumentChunk) map[string]*pb.Value {
	topics := make([]*pb.Value, len(c.Topics))
	for i, t := range c.Topics {
		topics[i] = stringValue(t)
	}
	return map[string]*pb.Value{
		keyDocumentName: stringValue(c.DocumentName),
		keyDocumentType: stringValue(c.DocumentType),
		keyChunkIndex:   intValue(c.ChunkIndex),
		keyContent:      stringValue(c.Content),
		keyPageNumber:   intValue(c.PageNumber),
		keyChapter:      stringValue(c.Chapter),
		keySection:      stringValue(c.Section),
		keyTopics:       {Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: topics}}},
		keyTokens:       intValue(c.Tokens),
	}
}

func payloadChunk(p map[string]*pb.Value) domain.DocumentChunk {
	var c domain.DocumentChunk
	for k, v := range p {
		switch k {
		case keyDocumentName:
			c.DocumentName = v.GetStringValue()
		case keyDocumentType:
			c.DocumentType = v.GetStringValue()
		case keyChunkIndex:
			c.ChunkIndex = int(v.GetIntegerValue())
		case keyContent:
			c.Content = v.GetStringValue()
		case keyPageNumber:
			c.PageNumber = int(v.GetIntegerValue())
		case keyChapter:
			c.Chapter = v.GetStringValue()
		case keySection:
			c.Section = v.GetStringValue()
		case keyTopics:
			for _, t := range v.GetListValue().GetValues() {
				c.Topics = append(c.Topics, t.GetStringValue())
			}
		case keyTokens:
			c.Tokens = int(v.GetIntegerValue())
		}
	}
	if len(c.Topics) == 0 {
		c.Topics = []string{domain.TopicGeneral}
	}
	return c
}
