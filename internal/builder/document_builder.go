package builder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphweave/internal/chunk"
	"graphweave/internal/extract"
	apperrors "graphweave/pkg/errors"
	"graphweave/pkg/observability"
)

// DocumentBuildResult aggregates the per-chunk builds of one document.
type DocumentBuildResult struct {
	Success               bool
	Document              string
	DocumentType          string
	Chunks                int
	ChunksSucceeded       int
	EntitiesAdded         int
	RelationsAdded        int
	EntitiesLinked        int
	EntitiesDeduplicated  int
	RelationsDeduplicated int
	Warnings              []string
	Errors                []string
	Duration              time.Duration
	ChunkResults          []*BuildResult
}

// DocumentConfig wires a DocumentBuilder around an existing GraphBuilder.
type DocumentConfig struct {
	// Parser is optional; a plain-text read is the default and the
	// fallback when Parse fails.
	Parser extract.DocumentParser
	// Chunking enables splitting; when false (or the text fits one chunk)
	// the document builds as a single unit.
	Chunking bool
	Chunker  chunk.Config

	Parallel    bool
	MaxParallel int

	// EntityTypes and RelationTypes filter extraction; empty means all.
	EntityTypes   []string
	RelationTypes []string

	Logger *zap.Logger
}

// DocumentBuilder chunks documents and fans the chunks out over a
// GraphBuilder.
type DocumentBuilder struct {
	cfg     DocumentConfig
	builder *GraphBuilder
	chunker *chunk.Chunker
	logger  *zap.Logger
}

// NewDocumentBuilder creates a DocumentBuilder.
func NewDocumentBuilder(gb *GraphBuilder, cfg DocumentConfig) (*DocumentBuilder, error) {
	if gb == nil {
		return nil, apperrors.NewConfiguration("document builder requires a graph builder")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentBuilder{
		cfg:     cfg,
		builder: gb,
		chunker: chunk.New(cfg.Chunker),
		logger:  logger,
	}, nil
}

// BuildFromDocument parses, chunks and builds one document. A document
// succeeds when at least one chunk succeeds. Whitespace-only content is an
// error before any extraction runs.
func (d *DocumentBuilder) BuildFromDocument(ctx context.Context, path string, metadata map[string]string) (*DocumentBuildResult, error) {
	start := time.Now()
	res := &DocumentBuildResult{
		Document:     path,
		DocumentType: extract.DetectDocumentType(path),
	}

	ctx, span := observability.Tracer().Start(ctx, "builder.build_from_document")
	defer span.End()

	text, err := d.parse(ctx, path, res)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewValidation("document " + path + " is empty")
	}

	chunks := d.split(text)
	res.Chunks = len(chunks)
	res.ChunkResults = make([]*BuildResult, len(chunks))

	buildChunk := func(ctx context.Context, i int, c chunk.Chunk) {
		md := make(map[string]string, len(metadata)+2)
		for k, v := range metadata {
			md[k] = v
		}
		md["document"] = path
		md["chunk_index"] = fmt.Sprintf("%d", i)
		res.ChunkResults[i] = d.builder.BuildFromText(
			ctx, c.Text, fmt.Sprintf("%s#%d", path, i), md,
			d.cfg.EntityTypes, d.cfg.RelationTypes)
	}

	if d.cfg.Parallel && len(chunks) > 1 {
		maxParallel := d.cfg.MaxParallel
		if maxParallel <= 0 {
			maxParallel = 4
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallel)
		for i, c := range chunks {
			g.Go(func() error {
				buildChunk(gctx, i, c)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, c := range chunks {
			buildChunk(ctx, i, c)
		}
	}

	for i, cr := range res.ChunkResults {
		if cr == nil {
			continue
		}
		if cr.Success {
			res.ChunksSucceeded++
		}
		res.EntitiesAdded += cr.EntitiesAdded
		res.RelationsAdded += cr.RelationsAdded
		res.EntitiesLinked += cr.EntitiesLinked
		res.EntitiesDeduplicated += cr.EntitiesDeduplicated
		res.RelationsDeduplicated += cr.RelationsDeduplicated
		for _, w := range cr.Warnings {
			res.Warnings = append(res.Warnings, fmt.Sprintf("chunk %d: %s", i, w))
		}
		for _, e := range cr.Errors {
			res.Errors = append(res.Errors, fmt.Sprintf("chunk %d: %s", i, e))
		}
	}
	res.Success = res.ChunksSucceeded > 0
	res.Duration = time.Since(start)
	return res, nil
}

// parse runs the configured parser with plain-text fallback.
func (d *DocumentBuilder) parse(ctx context.Context, path string, res *DocumentBuildResult) (string, error) {
	if d.cfg.Parser != nil {
		doc, err := d.cfg.Parser.Parse(ctx, path)
		if err == nil {
			return doc.Content, nil
		}
		d.logger.Warn("document parser failed, falling back to plain text",
			zap.String("path", path), zap.Error(err))
		res.Warnings = append(res.Warnings, "parser failed, used plain text fallback: "+err.Error())
	}
	doc, err := extract.PlainTextParser{}.Parse(ctx, path)
	if err != nil {
		return "", err
	}
	return doc.Content, nil
}

func (d *DocumentBuilder) split(text string) []chunk.Chunk {
	if d.cfg.Chunking {
		return d.chunker.Split(text, nil)
	}
	return []chunk.Chunk{{Text: text, Start: 0, End: len([]rune(text)), Index: 0}}
}
