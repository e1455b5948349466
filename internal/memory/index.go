package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const longTermCollection = "long_term_memory"

var indexTracer = otel.Tracer("github.com/fyrsmithlabs/devcrew/internal/memory")

// Index is a similarity index over long-term memory entries.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewIndex opens a persistent index at path, or an in-memory one when path
// is empty. embed turns text into vectors.
func NewIndex(path string, embed chromem.EmbeddingFunc, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory %s: %w", path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem DB: %w", err)
		}
	}

	c, err := db.GetOrCreateCollection(longTermCollection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", longTermCollection, err)
	}

	logger.Info("memory index opened",
		zap.String("path", path),
		zap.Int("documents", c.Count()),
	)
	return &Index{db: db, collection: c, logger: logger}, nil
}

// Add indexes one entry.
func (i *Index) Add(ctx context.Context, text string) error {
	ctx, span := indexTracer.Start(ctx, "memory.Index.Add")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMemory
	}
	doc := chromem.Document{
		ID:      uuid.NewString(),
		Content: text,
		Metadata: map[string]string{
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := i.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding memory entry: %w", err)
	}
	return nil
}

// Count returns the number of indexed entries.
func (i *Index) Count() int {
	return i.collection.Count()
}

// Query returns up to n entries ordered by similarity to query.
func (i *Index) Query(ctx context.Context, query string, n int) ([]string, error) {
	ctx, span := indexTracer.Start(ctx, "memory.Index.Query")
	defer span.End()

	if n <= 0 {
		return nil, fmt.Errorf("n must be positive, got %d", n)
	}
	// chromem requires nResults <= document count
	count := i.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	span.SetAttributes(attribute.Int("n", n))

	results, err := i.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying memory index: %w", err)
	}
	out := make([]string, len(results))
	for j, r := range results {
		out[j] = r.Content
	}
	i.logger.Debug("memory recall", zap.Int("requested", n), zap.Int("results", len(out)))
	return out, nil
}
