// Command graphweave imports tabular files and plain-text documents into a
// graph store.
//
//	graphweave import -file data.csv -mapping mapping.yaml
//	graphweave build  -file notes.txt -entity-types Person,Company
//	graphweave stats
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"graphweave/internal/builder"
	"graphweave/internal/chunk"
	"graphweave/internal/config"
	"graphweave/internal/extract"
	"graphweave/internal/extract/rulebased"
	"graphweave/internal/fusion"
	"graphweave/internal/pipeline"
	"graphweave/internal/store"
	badgerstore "graphweave/internal/store/badger"
	memorystore "graphweave/internal/store/memory"
	postgresstore "graphweave/internal/store/postgres"
	"graphweave/internal/tabular"
	"graphweave/pkg/observability"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer("graphweave")
	if err != nil {
		logger.Fatal("tracer init failed", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	var runErr error
	switch os.Args[1] {
	case "import":
		runErr = runImport(ctx, os.Args[2:], logger)
	case "build":
		runErr = runBuild(ctx, os.Args[2:], logger)
	case "stats":
		runErr = runStats(ctx, os.Args[2:], logger)
	default:
		usage()
		os.Exit(2)
	}
	if runErr != nil {
		logger.Fatal("command failed", zap.String("command", os.Args[1]), zap.Error(runErr))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: graphweave <import|build|stats> [flags]

  import  -file <csv|json|xlsx|sav> -mapping <yaml> [-config <yaml>] [-sheet <name>] [-array-key <key>]
  build   -file <text file> [-config <yaml>] [-entity-types a,b] [-relation-types x,y]
  stats   [-config <yaml>]`)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.GraphStore, error) {
	conflict := store.ConflictPolicy(cfg.Store.Conflict)
	var st store.GraphStore
	switch cfg.Store.Backend {
	case "badger":
		st = badgerstore.New(badgerstore.Options{
			Path:     cfg.Store.Path,
			Conflict: conflict,
			Sparse:   cfg.Store.Sparse,
		}, logger)
	case "postgres":
		st = postgresstore.New(postgresstore.Options{
			DSN:      cfg.Store.DSN,
			Conflict: conflict,
		}, logger)
	default:
		st = memorystore.New(memorystore.Options{
			Conflict:             conflict,
			Sparse:               cfg.Store.Sparse,
			CompressionThreshold: cfg.Store.CompressionThreshold,
			IndexedKeys:          cfg.Store.IndexedKeys,
		}, logger)
	}
	st = store.WithBreaker(st, store.BreakerOptions{Name: cfg.Store.Backend}, logger)
	if err := st.Initialize(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func similarityFor(cfg config.FusionConfig) fusion.Similarity {
	switch cfg.Similarity {
	case "jaro_winkler":
		return fusion.JaroWinkler()
	case "levenshtein":
		return fusion.Levenshtein(2)
	default:
		return nil
	}
}

func runImport(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "source file (csv, json, xlsx or sav)")
	mappingPath := fs.String("mapping", "", "schema mapping yaml")
	configPath := fs.String("config", "", "pipeline config yaml")
	sheet := fs.String("sheet", "", "excel sheet name (default first)")
	arrayKey := fs.String("array-key", "", "json key holding the record array")
	fs.Parse(args)
	if *file == "" || *mappingPath == "" {
		return fmt.Errorf("import requires -file and -mapping")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	mapping, err := tabular.LoadMapping(*mappingPath)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	sim := similarityFor(cfg.Fusion)
	p, err := pipeline.New(pipeline.Options{
		Store:          st,
		Mapping:        mapping,
		BatchSize:      cfg.Import.BatchSize,
		UseBulkWrites:  cfg.Import.UseBulkWrites,
		SkipErrors:     cfg.Import.SkipErrors,
		Deduplicate:    cfg.Fusion.Deduplicate,
		Link:           cfg.Fusion.Link,
		Dedup:          fusion.DeduplicatorConfig{NameProperty: cfg.Fusion.NameProperty, Similarity: sim, Threshold: cfg.Fusion.Threshold},
		Linker:         fusion.LinkerConfig{NameProperty: cfg.Fusion.NameProperty, Similarity: sim, Threshold: cfg.Fusion.Threshold},
		EnableParallel: cfg.Import.EnableParallel,
		MaxWorkers:     cfg.Import.MaxWorkers,
		AutoTuneBatch:  cfg.Import.AutoTuneBatch,
		Progress: func(message string, pct float64) {
			if pct >= 0 {
				logger.Info(message, zap.Float64("pct", pct))
			} else {
				logger.Info(message)
			}
		},
		Metrics: observability.NewCollector(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var res *pipeline.ImportResult
	switch strings.ToLower(filepath.Ext(*file)) {
	case ".csv":
		res, err = p.ImportFromCSV(ctx, *file)
	case ".json":
		res, err = p.ImportFromJSON(ctx, *file, *arrayKey)
	case ".xlsx":
		if *sheet == "" {
			res, err = p.ImportFromExcelAll(ctx, *file)
		} else {
			res, err = p.ImportFromExcel(ctx, *file, *sheet)
		}
	case ".sav":
		res, err = p.ImportFromSPSS(ctx, *file)
	default:
		return fmt.Errorf("unsupported source file %s", *file)
	}
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runBuild(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	file := fs.String("file", "", "document to build from")
	configPath := fs.String("config", "", "pipeline config yaml")
	entityTypes := fs.String("entity-types", "", "comma separated entity type filter")
	relationTypes := fs.String("relation-types", "", "comma separated relation type filter")
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("build requires -file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	sim := similarityFor(cfg.Fusion)
	extractor := rulebased.New(logger)
	gb, err := builder.New(builder.Config{
		Store:             st,
		EntityExtractor:   extractor,
		RelationExtractor: extractor,
		Embedder:          rulebased.NewHashEmbedder(0),
		Deduplicate:       cfg.Fusion.Deduplicate,
		Link:              cfg.Fusion.Link,
		Dedup:             fusion.DeduplicatorConfig{NameProperty: cfg.Fusion.NameProperty, Similarity: sim, Threshold: cfg.Fusion.Threshold},
		Linker:            fusion.LinkerConfig{NameProperty: cfg.Fusion.NameProperty, Similarity: sim, Threshold: cfg.Fusion.Threshold},
		Metrics:           observability.NewCollector(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	db, err := builder.NewDocumentBuilder(gb, builder.DocumentConfig{
		Parser:   extract.PlainTextParser{},
		Chunking: true,
		Chunker: chunk.Config{
			ChunkSize:         cfg.Chunker.ChunkSize,
			Overlap:           cfg.Chunker.Overlap,
			RespectSentences:  cfg.Chunker.RespectSentences,
			RespectParagraphs: cfg.Chunker.RespectParagraphs,
			MinChunkSize:      cfg.Chunker.MinChunkSize,
		},
		Parallel:      cfg.MaxParallel > 1,
		MaxParallel:   cfg.MaxParallel,
		EntityTypes:   splitList(*entityTypes),
		RelationTypes: splitList(*relationTypes),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	res, err := db.BuildFromDocument(ctx, *file, nil)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runStats(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "pipeline config yaml")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
