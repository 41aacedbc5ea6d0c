package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"graphweave/internal/graph"
	apperrors "graphweave/pkg/errors"
)

// PlainTextParser reads a file verbatim. It is the default parser and the
// fallback when a richer parser fails.
type PlainTextParser struct{}

// Parse reads the file as UTF-8 text.
func (PlainTextParser) Parse(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCancelled("parse " + path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewExtraction("reading "+path, err)
	}
	return &Document{
		Content: string(data),
		Metadata: map[string]graph.Value{
			"format": graph.String(DetectDocumentType(path)),
		},
	}, nil
}

// DetectDocumentType maps a file extension to a document type tag,
// defaulting to "unknown".
func DetectDocumentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return "text"
	case ".md", ".markdown":
		return "markdown"
	case ".html", ".htm":
		return "html"
	case ".pdf":
		return "pdf"
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	default:
		return "unknown"
	}
}
