package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"docflow/internal/config"
	"docflow/internal/definitions"
	"docflow/internal/docstore"
	"docflow/internal/docstore/fsstore"
	"docflow/internal/docstore/sqlstore"
	"docflow/internal/domain"
	"docflow/internal/engine"
	"docflow/internal/exprs"
	"docflow/internal/orchestrator"
	"docflow/internal/props"
	"docflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "df",
	Short: "Docflow CLI",
	Long: `Docflow moves documents through configurable processing stages.
Stage definitions declare requirements (files present, sibling stages done,
attribute and list checks) and workflows to trigger on an orchestration
engine when a stage starts. Evaluation runs on every document change.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("DOCFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(serveCmd())
}

// env bundles everything a command needs.
type env struct {
	cfg    *config.Config
	store  *docstore.Store
	engine *engine.Engine
	runner *orchestrator.Client
	close  func()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openEnv(workspace string) (*env, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	log := newLogger()

	baseDir := cfg.Storage.BaseDir
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(workspace, baseDir)
	}

	var backend docstore.Backend
	closeFn := func() {}
	switch cfg.Storage.Backend {
	case "sqlite":
		conn, err := sqlstore.Open(baseDir)
		if err != nil {
			return nil, err
		}
		backend = sqlstore.New(conn)
		closeFn = func() { conn.Close() }
	default:
		fs, err := fsstore.New(baseDir)
		if err != nil {
			return nil, err
		}
		backend = fs
	}
	store := docstore.New(backend, log)

	var paths []string
	for _, p := range cfg.Definitions.Paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(workspace, p)
		}
		paths = append(paths, p)
	}
	defs, err := definitions.Load(paths)
	if err != nil {
		closeFn()
		return nil, err
	}

	var runner *orchestrator.Client
	if cfg.Orchestrator.BaseURL != "" {
		apiKey := ""
		if cfg.Orchestrator.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.Orchestrator.APIKeyEnv)
		}
		runner = orchestrator.NewClient(cfg.Orchestrator.BaseURL, apiKey)
		if cfg.Orchestrator.TimeoutSeconds > 0 {
			runner.Timeout = time.Duration(cfg.Orchestrator.TimeoutSeconds) * time.Second
		}
	}

	eng := engine.New(store, defs, runnerOrNil(runner), exprs.NewLua(), log)
	eng.RegisterHooks()

	return &env{cfg: cfg, store: store, engine: eng, runner: runner, close: closeFn}, nil
}

// runnerOrNil avoids a typed-nil Runner interface when no orchestrator is
// configured.
func runnerOrNil(c *orchestrator.Client) orchestrator.Runner {
	if c == nil {
		return nil
	}
	return c
}

func withEnv(fn func(ctx context.Context, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cmd.Context(), e)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a docflow workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			cfg := config.Default()
			for _, dir := range []string{cfg.Storage.BaseDir, cfg.Definitions.Paths[0]} {
				if err := os.MkdirAll(filepath.Join(workspace, dir), 0o755); err != nil {
					return err
				}
			}
			fmt.Printf("initialized docflow workspace at %s\n", workspace)
			return nil
		},
	}
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage documents"}
	doc.AddCommand(docAddCmd())
	doc.AddCommand(docListCmd())
	doc.AddCommand(docShowCmd())
	doc.AddCommand(docSetCmd())
	doc.AddCommand(docSetStatusCmd())
	doc.AddCommand(docAttachCmd())
	doc.AddCommand(docDropCmd())
	doc.AddCommand(docDropAllCmd())
	return doc
}

func docAddCmd() *cobra.Command {
	var status, body string
	var sets []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				st, ok := domain.ParseStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				doc := domain.NewDocument("", st)
				for _, kv := range sets {
					key, value, err := splitSet(kv)
					if err != nil {
						return err
					}
					doc.Set(key, value)
				}
				doc.SetBody(body)
				if err := e.store.Create(ctx, doc); err != nil {
					return err
				}
				return printJSONOrTable(docView(doc))
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&status, "status", "inbox", "initial status")
	cmd.Flags().StringVar(&body, "body", "", "document body")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "property assignment key=value (repeatable)")
	return cmd
}

func docListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				filters := docstore.Filters{}
				if status != "" {
					st, ok := domain.ParseStatus(status)
					if !ok {
						return fmt.Errorf("unknown status %q", status)
					}
					filters.Status = st
				}
				docs, err := e.store.Where(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					views := make([]map[string]any, 0, len(docs))
					for _, d := range docs {
						views = append(views, docView(d))
					}
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Stages", "Title"})
				for _, d := range docs {
					title, _ := d.Get("title")
					tw.AppendRow(table.Row{d.ID, d.Status, len(d.Stages), title})
				}
				tw.Render()
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func docShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				doc, err := e.store.Find(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(docView(doc))
			})(cmd, args)
		},
	}
}

func docSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <key=value>...",
		Short: "Set document properties",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				doc, err := e.store.Find(ctx, args[0])
				if err != nil {
					return err
				}
				for _, kv := range args[1:] {
					key, value, err := splitSet(kv)
					if err != nil {
						return err
					}
					doc.Set(key, value)
				}
				if err := e.store.Save(ctx, doc); err != nil {
					return err
				}
				return printJSONOrTable(docView(doc))
			})(cmd, args)
		},
	}
}

func docSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Change a document status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				doc, err := e.store.Find(ctx, args[0])
				if err != nil {
					return err
				}
				if err := doc.SetStatus(domain.Status(args[1])); err != nil {
					return err
				}
				if err := e.store.Save(ctx, doc); err != nil {
					return err
				}
				return printJSONOrTable(docView(doc))
			})(cmd, args)
		},
	}
}

func docAttachCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "attach <id> <file>",
		Short: "Attach a file to a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				doc, err := e.store.Find(ctx, args[0])
				if err != nil {
					return err
				}
				ref, err := e.store.CopyFile(ctx, doc, key, args[1], filepath.Base(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(ref)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&key, "key", "attachments", "file ref key")
	return cmd
}

func docDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				doc, err := e.store.Find(ctx, args[0])
				if err != nil {
					return err
				}
				if err := e.store.Destroy(ctx, doc); err != nil {
					return err
				}
				fmt.Println("dropped", doc.ID)
				return nil
			})(cmd, args)
		},
	}
}

func docDropAllCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop-all",
		Short: "Delete every document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete all documents without --yes")
			}
			return withEnv(func(ctx context.Context, e *env) error {
				if err := e.store.DeleteAll(ctx); err != nil {
					return err
				}
				fmt.Println("all documents dropped")
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Manage stages"}
	stage.AddCommand(stageEvaluateCmd())
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageAddCmd())
	stage.AddCommand(stageDefinitionsCmd())
	return stage
}

func stageEvaluateCmd() *cobra.Command {
	var docID string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate stages for one or all documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				if docID != "" {
					doc, err := e.store.Find(ctx, docID)
					if err != nil {
						return err
					}
					res, err := e.engine.EvaluateDocument(ctx, doc)
					if err != nil {
						return err
					}
					return printJSONOrTable(res)
				}
				results, err := e.engine.EvaluateAll(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(results)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&docID, "doc", "", "evaluate a single document")
	return cmd
}

func stageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <doc-id>",
		Short: "List a document's stage instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				doc, err := e.store.Find(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stageViews(doc))
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Instance", "Status", "Runs"})
				for _, s := range doc.Stages {
					tw.AppendRow(table.Row{s.Definition, s.Index, s.Status, len(s.Runs)})
				}
				tw.Render()
				return nil
			})(cmd, args)
		},
	}
}

func stageAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <doc-id> <definition>",
		Short: "Schedule a new stage instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				doc, err := e.store.Find(ctx, args[0])
				if err != nil {
					return err
				}
				stage, err := e.engine.ScheduleStage(ctx, doc, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"definition": stage.Definition,
					"index":      stage.Index,
					"status":     stage.Status,
				})
			})(cmd, args)
		},
	}
}

func stageDefinitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List loaded stage definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				defs := e.engine.Definitions().All()
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Active", "Multiple", "Workflows", "Origin"})
				for _, d := range defs {
					tw.AppendRow(table.Row{d.Name, d.IsActive(), d.MultipleCallable, len(d.Workflows), d.Origin})
				}
				tw.Render()
				return nil
			})(cmd, args)
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage orchestrator workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowUploadCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows registered with the orchestration engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				if e.runner == nil {
					return errors.New("no orchestrator configured")
				}
				defs, err := e.runner.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(defs)
			})(cmd, args)
		},
	}
}

func workflowUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a workflow definition (YAML or JSON)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				if e.runner == nil {
					return errors.New("no orchestrator configured")
				}
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				var def map[string]any
				if err := yaml.Unmarshal(data, &def); err != nil {
					return fmt.Errorf("parse %s: %w", args[0], err)
				}
				if err := e.runner.UploadWorkflow(ctx, def); err != nil {
					return err
				}
				fmt.Println("uploaded", def["name"])
				return nil
			})(cmd, args)
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				if addr == "" {
					addr = e.cfg.Server.Listen
				}
				secret := ""
				if e.cfg.Server.JWTSecretEnv != "" {
					secret = os.Getenv(e.cfg.Server.JWTSecretEnv)
				}
				handler, err := server.New(server.Config{
					Store:    e.store,
					Engine:   e.engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Docflow API on http://%s (OpenAPI at /openapi.json)\n", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func splitSet(kv string) (string, any, error) {
	key, raw, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("expected key=value, got %q", kv)
	}
	return key, props.ParseScalar(raw), nil
}

func docView(doc *domain.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"status":    doc.Status,
		"props":     doc.Props,
		"body":      doc.Body,
		"doc_refs":  doc.DocRefs,
		"file_refs": doc.FileRefs,
		"stages":    stageViews(doc),
	}
}

func stageViews(doc *domain.Document) []map[string]any {
	views := make([]map[string]any, 0, len(doc.Stages))
	for _, s := range doc.Stages {
		views = append(views, map[string]any{
			"definition": s.Definition,
			"index":      s.Index,
			"status":     s.Status,
			"runs":       s.Runs,
		})
	}
	return views
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
