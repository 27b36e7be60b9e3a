package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/kbase/internal/models"
	"github.com/xhad/kbase/pkg/chunker"
	cfgPkg "github.com/xhad/kbase/pkg/config"
	"github.com/xhad/kbase/pkg/extract"
	"github.com/xhad/kbase/pkg/fetch"
	"github.com/xhad/kbase/pkg/ingest"
	"github.com/xhad/kbase/pkg/llm"
	"github.com/xhad/kbase/pkg/search"
	"github.com/xhad/kbase/pkg/store"
	"github.com/xhad/kbase/pkg/tasks"
	"github.com/xhad/kbase/server"
)

type Flags struct {
	ConfigPath string
	IngestPath string
	IngestURL  string
	Category   string
	Tags       string
	Alpha      float64
	TopK       int
}

func main() {
	flags := parseFlags()

	if err := run(flags); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() Flags {
	var flags Flags

	flag.StringVar(&flags.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&flags.IngestPath, "ingest", "", "File or directory to ingest")
	flag.StringVar(&flags.IngestURL, "url", "", "URL to ingest")
	flag.StringVar(&flags.Category, "category", "", "Category label for ingested documents")
	flag.StringVar(&flags.Tags, "tags", "", "Comma-separated tags for ingested documents")
	flag.Float64Var(&flags.Alpha, "alpha", -1, "Lexical/vector weight for search (0..1, -1 uses config)")
	flag.IntVar(&flags.TopK, "top-k", 0, "Number of search results (0 uses config)")
	flag.Parse()

	return flags
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
	)
}

func run(flags Flags) error {
	cfg, err := cfgPkg.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %s", e.Error())
		}
		return fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:     cfg.Embedder.Model,
		BaseURL:   cfg.Embedder.BaseURL,
		VectorDim: cfg.Embedder.VectorDim,
		BatchSize: cfg.Embedder.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %v", err)
	}

	vectorStore, err := store.NewWithConfig(store.VectorStoreConfig{
		ConnString: cfg.Database.URL,
		VectorDim:  cfg.Embedder.VectorDim,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %v", err)
	}
	defer vectorStore.Close()

	textChunker, err := chunker.NewWithConfig(chunker.Config{
		ChunkSize:    cfg.Chunker.ChunkSize,
		ChunkOverlap: cfg.Chunker.ChunkOverlap,
		Mode:         chunker.Mode(cfg.Chunker.Mode),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chunker: %v", err)
	}

	fetcher := fetch.NewWithConfig(fetch.Config{
		RateLimit:    cfg.Upload.RateLimit,
		MaxBodyBytes: int64(cfg.Upload.MaxFileSizeMB) << 20,
	})

	tracker := tasks.NewTracker()

	orchestrator := ingest.NewWithConfig(ingest.Config{
		Workers:       cfg.Ingest.Workers,
		QueueSize:     cfg.Ingest.QueueSize,
		EmbedAttempts: cfg.Ingest.EmbedAttempts,
		RetryBackoff:  time.Duration(cfg.Ingest.RetryBackoffMS) * time.Millisecond,
	}, textChunker, extract.New(), fetcher, embedder, vectorStore, tracker)
	defer orchestrator.Close()

	var reranker *llm.HTTPReranker
	if cfg.Reranker.Enabled {
		reranker = llm.NewRerankerWithConfig(llm.RerankerConfig{
			BaseURL: cfg.Reranker.BaseURL,
			Model:   cfg.Reranker.Model,
		})
	}

	engine, err := newEngine(cfg, embedder, vectorStore, reranker)
	if err != nil {
		return fmt.Errorf("failed to initialize search engine: %v", err)
	}

	svc := server.NewService(server.Config{
		MaxFileSizeMB: cfg.Upload.MaxFileSizeMB,
	}, orchestrator, engine, tracker, vectorStore)

	meta := server.UploadMeta{
		Category: flags.Category,
		Tags:     splitTags(flags.Tags),
	}

	ctx := context.Background()

	if flags.IngestPath != "" {
		if err := ingestPath(ctx, svc, flags.IngestPath, meta); err != nil {
			return err
		}
	}

	if flags.IngestURL != "" {
		taskID, err := svc.SubmitURL(ctx, flags.IngestURL, meta)
		if err != nil {
			return fmt.Errorf("failed to submit URL: %v", err)
		}
		if err := waitForTask(svc, taskID, flags.IngestURL); err != nil {
			return err
		}
	}

	return searchLoop(ctx, svc, flags)
}

// ingestPath submits a single file, or every supported file under a
// directory, and waits for each task to finish.
func ingestPath(ctx context.Context, svc *server.Service, path string, meta server.UploadMeta) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %v", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = collectSupported(path)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			color.Yellow("No supported files found under %s", path)
			return nil
		}
	}

	color.Blue("\nIngesting %d file(s)\n", len(files))
	bar := getProgressBar(len(files), "📄 Ingesting documents...")

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("cannot read %s: %v", file, err)
		}

		taskID, err := svc.SubmitUpload(ctx, filepath.Base(file), content, meta)
		if err != nil {
			return fmt.Errorf("failed to submit %s: %v", file, err)
		}

		if err := waitForTask(svc, taskID, file); err != nil {
			return err
		}
		bar.Add(1)
	}
	bar.Finish()

	color.Green("\n✓ Ingested %d file(s)\n", len(files))
	return nil
}

func collectSupported(dir string) ([]string, error) {
	supported := make(map[string]bool)
	for _, ext := range extract.SupportedExtensions() {
		supported[ext] = true
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && supported[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// waitForTask polls the task until it reaches a terminal status.
func waitForTask(svc *server.Service, taskID, label string) error {
	for {
		task, err := svc.GetTask(taskID)
		if err != nil {
			return fmt.Errorf("lost track of task %s: %v", taskID, err)
		}

		switch task.Status {
		case models.TaskStatusSucceeded:
			return nil
		case models.TaskStatusFailed:
			return fmt.Errorf("ingestion of %s failed: %s", label, task.Error)
		}

		time.Sleep(200 * time.Millisecond)
	}
}

func searchLoop(ctx context.Context, svc *server.Service, flags Flags) error {
	color.Cyan("\nSearch your knowledge base (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()

	var alpha *float64
	if flags.Alpha >= 0 {
		alpha = &flags.Alpha
	}

	for {
		userPrompt("\nQuery: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			break
		}
		if query == "" {
			continue
		}

		spinner := getSpinner("🔍 Searching...")
		results, err := svc.Search(ctx, server.SearchRequest{
			Query:    query,
			TopK:     flags.TopK,
			Alpha:    alpha,
			Category: flags.Category,
			Tags:     splitTags(flags.Tags),
		})
		spinner.Finish()
		fmt.Print("\r")

		if err != nil {
			color.Red("Search failed: %v\n", err)
			continue
		}
		if len(results) == 0 {
			color.Yellow("No results.\n")
			continue
		}

		printResults(results)
	}

	return nil
}

func printResults(results []models.SearchResult) {
	title := color.New(color.FgCyan, color.Bold).PrintfFunc()
	score := color.New(color.FgBlue).PrintfFunc()

	for i, r := range results {
		title("\n%d. %s (chunk %d)\n", i+1, r.DocumentName, r.Seq)
		score("   score %.3f (lexical %.3f, vector %.3f)\n", r.Score, r.LexicalScore, r.VectorScore)
		if r.Category != "" {
			fmt.Printf("   category: %s", r.Category)
			if len(r.Tags) > 0 {
				fmt.Printf("  tags: %s", strings.Join(r.Tags, ", "))
			}
			fmt.Println()
		}
		fmt.Printf("   %s\n", snippet(r.Text, 240))
	}
}

func newEngine(cfg *cfgPkg.Config, embedder *llm.Embedder, vectorStore *store.VectorStore, reranker *llm.HTTPReranker) (*search.Engine, error) {
	config := search.Config{
		DefaultAlpha:    cfg.Search.DefaultAlpha,
		DefaultTopK:     cfg.Search.DefaultTopK,
		OverfetchFactor: cfg.Search.OverfetchFactor,
		RerankDepth:     cfg.Search.RerankDepth,
	}
	if reranker != nil {
		return search.NewWithConfig(config, embedder, vectorStore, reranker)
	}
	return search.NewWithConfig(config, embedder, vectorStore, nil)
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func snippet(text string, max int) string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "…"
}
