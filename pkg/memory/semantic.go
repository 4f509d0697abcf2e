package memory

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// VectorStore is the vector database behind a SemanticIndex.
type VectorStore interface {
	// Upsert adds or replaces points.
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search returns up to limit points closest to vector scoring at least
	// scoreThreshold, best first.
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32) ([]SearchResult, error)
	// CreateCollection creates a collection of the given dimension.
	CreateCollection(ctx context.Context, name string, vectorSize uint64) error
}

// Point is one indexed vector with its payload.
type Point struct {
	ID        string         `json:"id"`
	Vector    []float32      `json:"vector"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
}

// SearchResult is a scored match.
type SearchResult struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
	Point Point   `json:"point"`
}

// Embedder converts text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultScoreThreshold drops weak matches from Search.
const DefaultScoreThreshold = 0.6

var pointNamespace = uuid.MustParse("5f0c3b8e-4a55-4d2e-9a51-3c1f0f6d2b7a")

// SemanticIndex indexes text under stable keys and answers similarity
// queries. It backs knowledge retrieval tools.
type SemanticIndex struct {
	store      VectorStore
	embedder   Embedder
	collection string
	threshold  float32
}

// NewSemanticIndex creates an index over collection.
func NewSemanticIndex(store VectorStore, embedder Embedder, collection string) *SemanticIndex {
	return &SemanticIndex{
		store:      store,
		embedder:   embedder,
		collection: collection,
		threshold:  DefaultScoreThreshold,
	}
}

// WithThreshold returns a copy of the index using a different score threshold.
func (s *SemanticIndex) WithThreshold(threshold float32) *SemanticIndex {
	c := *s
	c.threshold = threshold
	return &c
}

// Initialize creates the collection, sizing it from a probe embedding. An
// existing collection is accepted.
func (s *SemanticIndex) Initialize(ctx context.Context) error {
	vec, err := s.embedder.Embed(ctx, "dimension probe")
	if err != nil {
		return fmt.Errorf("probe embedding dimension: %w", err)
	}
	if err := s.store.CreateCollection(ctx, s.collection, uint64(len(vec))); err != nil {
		if _, searchErr := s.store.Search(ctx, s.collection, vec, 1, 0); searchErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// Index embeds text and stores it under key. Indexing the same key again
// replaces the previous point.
func (s *SemanticIndex) Index(ctx context.Context, key, text string, payload map[string]any) error {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %q: %w", key, err)
	}
	data := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		data[k] = v
	}
	data["key"] = key
	data["text"] = text
	point := Point{
		ID:        uuid.NewSHA1(pointNamespace, []byte(key)).String(),
		Vector:    vector,
		Payload:   data,
		Timestamp: time.Now().Unix(),
	}
	if err := s.store.Upsert(ctx, s.collection, []Point{point}); err != nil {
		return fmt.Errorf("store %q: %w", key, err)
	}
	return nil
}

// Search returns up to limit matches for query, best first.
func (s *SemanticIndex) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.store.Search(ctx, s.collection, vector, limit, s.threshold)
}

// MemoryVectorStore is an in-process VectorStore using cosine similarity.
// It suits tests and single-process deployments without a vector database.
type MemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
}

// NewMemoryVectorStore creates an empty store.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{collections: make(map[string]map[string]Point)}
}

// CreateCollection implements VectorStore.
func (m *MemoryVectorStore) CreateCollection(_ context.Context, name string, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return fmt.Errorf("collection %s already exists", name)
	}
	m.collections[name] = make(map[string]Point)
	return nil
}

// Upsert implements VectorStore.
func (m *MemoryVectorStore) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}
	for _, p := range points {
		c[p.ID] = p
	}
	return nil
}

// Search implements VectorStore.
func (m *MemoryVectorStore) Search(_ context.Context, collection string, vector []float32, limit int, scoreThreshold float32) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", collection)
	}
	var results []SearchResult
	for id, p := range c {
		score := cosine(vector, p.Vector)
		if score < scoreThreshold {
			continue
		}
		results = append(results, SearchResult{ID: id, Score: score, Point: p})
	}
	slices.SortFunc(results, func(a, b SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
