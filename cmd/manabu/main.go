// Package main is the Manabu CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/assistant"
	"github.com/manabu-ai/manabu/internal/cli"
	"github.com/manabu-ai/manabu/internal/config"
	"github.com/manabu-ai/manabu/internal/embedding"
	"github.com/manabu-ai/manabu/internal/grounding"
	"github.com/manabu-ai/manabu/internal/index"
	"github.com/manabu-ai/manabu/internal/llm"
	"github.com/manabu-ai/manabu/internal/models"
	"github.com/manabu-ai/manabu/internal/processor"
	"github.com/manabu-ai/manabu/internal/retriever"
	"github.com/manabu-ai/manabu/internal/server"
	"github.com/manabu-ai/manabu/internal/watcher"
	"github.com/manabu-ai/manabu/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/manabu/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used, so that "manabu server" from the project dir uses the project's
// config. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "upload":
		runUpload()
	case "ask":
		runAsk()
	case "list":
		runList()
	case "delete":
		runDelete()
	case "courses":
		runCourses()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("manabu version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	chat := llm.NewOllamaChat(&cfg.LLM)
	if err := chat.Ping(context.Background()); err != nil {
		logger.Warn("language model unreachable at startup, answers will degrade", zap.Error(err))
	}

	var watchSvc *watcher.Watcher
	if cfg.Watch.Directory != "" {
		a := components.Assistant
		watchOpts := []watcher.Option{}
		if debugMode {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		watchSvc = watcher.New(
			cfg.Watch.Directory,
			cfg.Watch.Extensions,
			func(path, courseID, docType string) {
				content, err := os.ReadFile(path)
				if err != nil {
					logger.Warn("watch read file failed", zap.String("path", path), zap.Error(err))
					return
				}
				if _, err := a.Upload(context.Background(), content, path, courseID, docType); err != nil {
					logger.Warn("watch upload failed", zap.String("path", path), zap.Error(err))
				}
			},
			func(courseID, sourceFile string) {
				if err := a.DeleteDocument(context.Background(), courseID, sourceFile); err != nil {
					logger.Warn("watch delete failed",
						zap.String("course", courseID),
						zap.String("file", sourceFile),
						zap.Error(err))
				}
			},
			watchOpts...,
		)
		if err := watchSvc.Start(); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		watchSvc.SyncExistingFiles()
	}

	srv := server.NewServer(components.Assistant, &cfg.Server, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if watchSvc != nil {
		watchSvc.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runUpload() {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", `server URL (empty = index directly without a running server)`)
	course := fs.String("course", models.MiscCourseID, "course id for the uploaded files")
	docType := fs.String("type", "", "doc type: lecture, assignment, syllabus, exam, schedule, misc")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: manabu upload [flags] <file...>")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	if *serverURL != "" {
		failed := 0
		for _, path := range fs.Args() {
			if err := uploadViaHTTP(*serverURL, *course, *docType, path); err != nil {
				fmt.Fprintf(os.Stderr, "FAILED  %s: %v\n", path, err)
				failed++
			} else {
				fmt.Printf("ok      %s\n", path)
			}
		}
		if failed > 0 {
			os.Exit(1)
		}
		return
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	files := make([]assistant.File, 0, fs.NArg())
	for _, path := range fs.Args() {
		content, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", path, err)
			os.Exit(1)
		}
		files = append(files, assistant.File{
			Content:  content,
			Filename: path,
			CourseID: *course,
			DocType:  *docType,
		})
	}
	results := components.Assistant.UploadAll(context.Background(), files)
	failed, err := cli.WriteUploadResults(os.Stdout, results, format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func uploadViaHTTP(serverURL, course, docType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if docType != "" {
		_ = mw.WriteField("doc_type", docType)
	}
	mw.Close()

	endpoint := serverURL + "/api/v1/courses/" + url.PathEscape(course) + "/documents"
	resp, err := http.Post(endpoint, mw.FormDataContentType(), &buf)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", `server URL (empty = answer directly without a running server)`)
	course := fs.String("course", models.AutoScope, "course scope: a course id, MISC, or AUTO")
	dryRun := fs.Bool("dry-run", false, "check retrieval relevance only, without generating an answer")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: manabu ask [flags] <question>")
		os.Exit(1)
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	format := parseFormat(*outputFormat)

	if *serverURL != "" {
		if *dryRun {
			report, err := relevanceViaHTTP(*serverURL, question, *course)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Relevance check failed: %v\n", err)
				os.Exit(1)
			}
			if err := cli.WriteRelevance(os.Stdout, report, format); err != nil {
				fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
				os.Exit(1)
			}
			return
		}
		answer, err := askViaHTTP(*serverURL, question, *course)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
			os.Exit(1)
		}
		if err := cli.WriteAnswer(os.Stdout, answer, format); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	ctx := context.Background()
	if *dryRun {
		report, err := components.Assistant.CheckRelevance(ctx, question, *course)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Relevance check failed: %v\n", err)
			os.Exit(1)
		}
		if err := cli.WriteRelevance(os.Stdout, report, format); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	answer, err := components.Assistant.Ask(ctx, question, *course, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteAnswer(os.Stdout, answer, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func askViaHTTP(serverURL, question, course string) (*models.Answer, error) {
	body, err := json.Marshal(map[string]string{"question": question, "course_id": course})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/ask", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var answer models.Answer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &answer, nil
}

func relevanceViaHTTP(serverURL, question, course string) (*assistant.RelevanceReport, error) {
	body, err := json.Marshal(map[string]string{"question": question, "course_id": course})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/relevance", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var report assistant.RelevanceReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &report, nil
}

func runList() {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", `server URL (empty = read storage directly)`)
	course := fs.String("course", "", "restrict the listing to one course")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var docs []*models.DocumentInfo
	if *serverURL != "" {
		endpoint := *serverURL + "/api/v1/documents"
		if *course != "" {
			endpoint += "?course_id=" + url.QueryEscape(*course)
		}
		resp, err := http.Get(endpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "List failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		var out struct {
			Documents []*models.DocumentInfo `json:"documents"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
			os.Exit(1)
		}
		docs = out.Documents
	} else {
		components, closeFn := mustInitializeDirect(*configPath)
		defer closeFn()
		var err error
		docs, err = components.Assistant.ListDocuments(context.Background(), *course)
		if err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteDocumentList(os.Stdout, docs, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", `server URL (empty = delete from storage directly)`)
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 2 {
		fmt.Println("Usage: manabu delete [flags] <course> <source-file>")
		os.Exit(1)
	}
	course, sourceFile := fs.Arg(0), fs.Arg(1)

	if *serverURL != "" {
		endpoint := fmt.Sprintf("%s/api/v1/documents?course_id=%s&source_file=%s",
			*serverURL, url.QueryEscape(course), url.QueryEscape(sourceFile))
		req, _ := http.NewRequest(http.MethodDelete, endpoint, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Delete failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Deleted: %s/%s\n", course, sourceFile)
		return
	}

	components, closeFn := mustInitializeDirect(*configPath)
	defer closeFn()
	if err := components.Assistant.DeleteDocument(context.Background(), course, sourceFile); err != nil {
		fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted: %s/%s\n", course, sourceFile)
}

func runCourses() {
	fs := flag.NewFlagSet("courses", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", `server URL (empty = read storage directly)`)
	_ = fs.Parse(os.Args[2:])

	var courses []string
	if *serverURL != "" {
		resp, err := http.Get(*serverURL + "/api/v1/courses")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Courses failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Courses failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		var out struct {
			Courses []string `json:"courses"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
			os.Exit(1)
		}
		courses = out.Courses
	} else {
		components, closeFn := mustInitializeDirect(*configPath)
		defer closeFn()
		var err error
		courses, err = components.Assistant.Courses(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Courses failed: %v\n", err)
			os.Exit(1)
		}
	}
	for _, c := range courses {
		fmt.Println(c)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", `server URL (empty = read storage directly)`)
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var stats *models.IndexStats
	if *serverURL != "" {
		resp, err := http.Get(*serverURL + "/api/v1/status")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Status failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		stats = &models.IndexStats{}
		if err := json.NewDecoder(resp.Body).Decode(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, closeFn := mustInitializeDirect(*configPath)
		defer closeFn()
		var err error
		stats, err = components.Assistant.Stats(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteStats(os.Stdout, stats, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func parseFormat(s string) cli.OutputFormat {
	switch s {
	case "json":
		return cli.OutputJSON
	case "text":
		return cli.OutputText
	default:
		fmt.Printf("Unknown output format %q; use text or json\n", s)
		os.Exit(1)
		return cli.OutputText
	}
}

// Components holds initialized services.
type Components struct {
	Index     *index.Index
	Embedder  embedding.Embedder
	Assistant *assistant.Assistant
}

func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	embedder := embedding.NewOllamaEmbedder(&cfg.Embedding)
	if err := embedder.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("embedding service unreachable: %w", err)
	}

	idxOpts := []index.Option{}
	if debug && logger != nil {
		idxOpts = append(idxOpts, index.WithLogger(logger))
	}
	idx, err := index.Open(cfg.Storage.DatabasePath, embedder, idxOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	retrOpts := []retriever.Option{}
	groundOpts := []grounding.Option{}
	assistOpts := []assistant.Option{}
	if debug && logger != nil {
		retrOpts = append(retrOpts, retriever.WithLogger(logger))
		groundOpts = append(groundOpts, grounding.WithLogger(logger))
		assistOpts = append(assistOpts, assistant.WithLogger(logger))
	}

	retr := retriever.New(idx, &cfg.Retrieval, retrOpts...)
	chat := llm.NewOllamaChat(&cfg.LLM)
	ground := grounding.New(chat, cfg.LLM.MaxHistory, groundOpts...)
	proc := processor.New(&cfg.Chunking)

	a := assistant.New(proc, idx, retr, ground, assistOpts...)
	return &Components{Index: idx, Embedder: embedder, Assistant: a}, nil
}

// mustInitializeDirect loads config and builds components for commands that
// bypass the HTTP server, exiting on failure. The returned func closes them.
func mustInitializeDirect(configPath string) (*Components, func()) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return components, func() {
		components.Close()
		_ = logger.Sync()
	}
}

func printUsage() {
	fmt.Println(`manabu - Course-grounded document assistant

Usage:
  manabu server [flags]                     Start the HTTP server
  manabu upload [flags] <file...>           Upload documents into a course
  manabu ask [flags] <question>             Ask a question against the indexed documents
  manabu list [flags]                       List indexed documents
  manabu delete [flags] <course> <file>     Delete a document
  manabu courses [flags]                    List known courses
  manabu status [flags]                     Show index statistics
  manabu version                            Show version
  manabu help                               Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/manabu/config.yaml)
  --debug            Enable debug logging

Upload Flags:
  --course string    Course id the files belong to (default: MISC)
  --type string      Doc type: lecture, assignment, syllabus, exam, schedule, misc
  --server string    Server URL (default: http://localhost:8080). Use --server "" to index directly.

Ask Flags:
  --course string    Course scope: a course id, MISC, or AUTO (default: AUTO)
  --dry-run          Check retrieval relevance only, without calling the language model
  --server string    Server URL (default: http://localhost:8080). Use --server "" to answer directly.
  --output string    Output format: text or json

Examples:
  manabu server
  manabu upload --course CS101 --type lecture week3.pdf week4.pdf
  manabu ask --course CS101 "When is the midterm?"
  manabu ask "What does the syllabus say about late submissions?"
  manabu ask --dry-run --course CS101 "When is the midterm?"
  manabu list --course CS101
  manabu delete CS101 week3.pdf
  manabu status --output json`)
}
