// Command perchd runs the Perch agent runtime: it collects forum events into
// task intents, dispatches them to persona reply tasks, executes the tasks
// through the LLM and safety layers, and serves the admin gateway.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/perchboard/perch-agents/internal/bus"
	"github.com/perchboard/perch-agents/internal/config"
	"github.com/perchboard/perch-agents/internal/dispatch"
	"github.com/perchboard/perch-agents/internal/events"
	"github.com/perchboard/perch-agents/internal/forum"
	"github.com/perchboard/perch-agents/internal/gateway"
	"github.com/perchboard/perch-agents/internal/intent"
	"github.com/perchboard/perch-agents/internal/llm"
	otelpkg "github.com/perchboard/perch-agents/internal/otel"
	"github.com/perchboard/perch-agents/internal/policy"
	"github.com/perchboard/perch-agents/internal/review"
	"github.com/perchboard/perch-agents/internal/safety"
	"github.com/perchboard/perch-agents/internal/schedule"
	"github.com/perchboard/perch-agents/internal/store"
	"github.com/perchboard/perch-agents/internal/telemetry"
	"github.com/perchboard/perch-agents/internal/toolcall"
	"github.com/perchboard/perch-agents/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("perchd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "version", Version)

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	recorder := events.NewRecorder(st, eventBus, logger)

	seedPersonas(ctx, st, cfg.Personas, logger)

	policies := policy.NewProvider(st, time.Duration(cfg.PolicyTTLSeconds)*time.Second, logger, recorder)
	if cfg.PolicyOverridePath != "" {
		watcher := policy.NewOverrideWatcher(cfg.PolicyOverridePath, policies, logger)
		if err := watcher.Start(ctx); err != nil {
			fatalStartup(logger, "E_POLICY_WATCHER_START", err)
		}
		logger.Info("policy override watcher started", "path", cfg.PolicyOverridePath)
	}

	breakers := llm.NewBreakerSet(cfg.LLM.FailoverThreshold,
		time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second, st, logger)
	providers := buildProviders(ctx, cfg, logger)
	providerNames := make([]string, 0, len(providers))
	for name := range providers {
		providerNames = append(providerNames, name)
	}
	breakers.Load(ctx, providerNames)

	routes := llm.NewRegistry(defaultRoute(cfg))
	for _, rc := range cfg.LLM.Routes {
		route := llm.Route{
			TaskType: rc.TaskType,
			Primary:  llm.ModelRef{ProviderID: rc.PrimaryProvider, ModelID: rc.PrimaryModel},
		}
		if rc.SecondaryProvider != "" {
			route.Secondary = &llm.ModelRef{ProviderID: rc.SecondaryProvider, ModelID: rc.SecondaryModel}
		}
		routes.SetRoute(route)
	}
	invoker := llm.NewInvoker(routes, providers, breakers, logger, recorder)

	// The forum adapter is optional: without it the daemon still serves the
	// queue and gateway, it just has no event sources to collect from.
	var forumDB *forum.DB
	var sources []intent.Source
	eligible := func(context.Context, string, string) (bool, string, error) { return true, "", nil }
	var precheck dispatch.PrecheckFunc
	if cfg.ForumDBPath != "" {
		forumDB, err = forum.Open(cfg.ForumDBPath)
		if err != nil {
			fatalStartup(logger, "E_FORUM_DB_OPEN", err)
		}
		defer forumDB.Close()
		sources = []intent.Source{forumDB.PostSource(), forumDB.CommentSource()}
		eligible = forumDB.TargetEligible
		precheck = boardBanPrecheck(forumDB)
		logger.Info("forum adapter ready", "db", cfg.ForumDBPath)
	} else {
		logger.Warn("forum_db_path not configured, intent collection is idle")
	}

	tools := toolcall.NewRegistry(logger)
	registerBuiltinTools(tools, st, forumDB, logger)
	loop := toolcall.NewLoop(tools, logger)

	proc := worker.NewReplyProcessor(st, policies, invoker, loop, safety.NewRuleGate(), logger)
	engine := worker.New(st, proc, policies, worker.Config{
		WorkerCount: cfg.WorkerCount,
		TaskTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
	}, logger, recorder)
	engine.Start(ctx)
	logger.Info("startup phase", "phase", "engine_started",
		"workers", cfg.WorkerCount, "worker_id", engine.WorkerID())

	collector := intent.NewCollector(st, sources, eligible, cfg.CollectOverlapSeconds, logger, recorder)
	dispatcher := dispatch.NewDispatcher(st, policies, nil, precheck, cfg.MaxQueueDepth, logger, recorder)
	reviews := review.NewService(st, logger, recorder)

	scheduler := schedule.NewScheduler(0, logger)
	mustAddJob(logger, scheduler, "collect", cfg.Schedules.Collect, func(ctx context.Context) error {
		collector.Collect(ctx)
		return nil
	})
	mustAddJob(logger, scheduler, "dispatch", cfg.Schedules.Dispatch, func(ctx context.Context) error {
		_, err := dispatcher.Run(ctx, time.Now().UTC())
		return err
	})
	mustAddJob(logger, scheduler, "expire-reviews", cfg.Schedules.ExpireReview, func(ctx context.Context) error {
		_, err := reviews.ExpireDue(ctx, time.Now().UTC())
		return err
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             st,
		Reviews:           reviews,
		Breakers:          breakers,
		Bus:               eventBus,
		Recorder:          recorder,
		EngineStatus:      engine.Status,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})

	if isatty.IsTerminal(os.Stdout.Fd()) && *quiet {
		fmt.Printf("perchd %s listening on http://%s (watch: /watch)\n", Version, cfg.BindAddr)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		serveErr <- gw.Serve(ctx, cfg.BindAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("gateway failed", "error", err)
		}
	}

	engine.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	logger.Info("shutdown complete")
}

func defaultRoute(cfg config.Config) llm.Route {
	route := llm.Route{
		Primary: llm.ModelRef{ProviderID: cfg.LLM.Provider, ModelID: cfg.LLM.Model},
	}
	if cfg.LLM.FallbackProvider != "" {
		route.Secondary = &llm.ModelRef{
			ProviderID: cfg.LLM.FallbackProvider,
			ModelID:    cfg.LLM.FallbackModel,
		}
	}
	return route
}

// buildProviders constructs one genkit provider per provider name referenced
// anywhere in the LLM config.
func buildProviders(ctx context.Context, cfg config.Config, logger *slog.Logger) map[string]llm.Provider {
	names := map[string]bool{cfg.LLM.Provider: true}
	if cfg.LLM.FallbackProvider != "" {
		names[cfg.LLM.FallbackProvider] = true
	}
	for _, rc := range cfg.LLM.Routes {
		names[rc.PrimaryProvider] = true
		if rc.SecondaryProvider != "" {
			names[rc.SecondaryProvider] = true
		}
	}
	for name := range cfg.Providers {
		names[name] = true
	}

	providers := make(map[string]llm.Provider, len(names))
	for name := range names {
		if name == "" {
			continue
		}
		gc := llm.GenkitConfig{
			Provider: name,
			APIKey:   cfg.ProviderAPIKey(name),
		}
		if pc, ok := cfg.Providers[name]; ok {
			gc.CompatibleBaseURL = pc.BaseURL
		}
		providers[name] = llm.NewGenkitProvider(ctx, gc, logger)
	}
	return providers
}

func seedPersonas(ctx context.Context, st *store.Store, personas []config.PersonaEntry, logger *slog.Logger) {
	for _, p := range personas {
		if p.PersonaID == "" {
			logger.Warn("skipping persona with empty persona_id in config.yaml")
			continue
		}
		status := store.PersonaStatus(p.Status)
		if status == "" {
			status = store.PersonaStatusActive
		}
		boards, _ := json.Marshal(p.Boards)
		err := st.UpsertPersona(ctx, store.Persona{
			PersonaID:   p.PersonaID,
			DisplayName: p.DisplayName,
			Status:      status,
			Boards:      string(boards),
		})
		if err != nil {
			logger.Error("persona seed failed", "persona_id", p.PersonaID, "error", err)
		}
	}
}

// boardBanPrecheck blocks dispatch to a persona banned from the intent's
// target board.
func boardBanPrecheck(f *forum.DB) dispatch.PrecheckFunc {
	return func(ctx context.Context, it store.TaskIntent, persona store.Persona) (bool, []string, error) {
		var payload intent.Payload
		if err := json.Unmarshal([]byte(it.Payload), &payload); err != nil {
			return false, nil, err
		}
		if payload.Board == "" {
			return true, nil, nil
		}
		banned, err := f.PersonaBoardBanned(ctx, persona.PersonaID, payload.Board)
		if err != nil {
			return false, nil, err
		}
		if banned {
			return false, []string{forum.ReasonPersonaBoardBanned}, nil
		}
		return true, nil, nil
	}
}

const lookupPostSchema = `{
	"type": "object",
	"properties": {
		"post_id": {"type": "string", "description": "The forum post id to look up."}
	},
	"required": ["post_id"],
	"additionalProperties": false
}`

const recentRepliesSchema = `{
	"type": "object",
	"properties": {
		"persona_id": {"type": "string", "description": "The persona whose recent replies to list."},
		"limit": {"type": "integer", "minimum": 1, "maximum": 20}
	},
	"required": ["persona_id"],
	"additionalProperties": false
}`

func registerBuiltinTools(reg *toolcall.Registry, st *store.Store, f *forum.DB, logger *slog.Logger) {
	if f != nil {
		err := reg.Register("lookup_post", "Fetch a forum post's title and body by id.",
			json.RawMessage(lookupPostSchema),
			func(ctx context.Context, args map[string]any) (any, error) {
				postID, _ := args["post_id"].(string)
				title, body, board, ok, err := f.GetPost(ctx, postID)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, fmt.Errorf("post %s not found", postID)
				}
				return map[string]string{"title": title, "body": body, "board": board}, nil
			})
		if err != nil {
			logger.Error("tool registration failed", "tool", "lookup_post", "error", err)
		}
	}

	err := reg.Register("recent_replies", "List a persona's most recent published replies.",
		json.RawMessage(recentRepliesSchema),
		func(ctx context.Context, args map[string]any) (any, error) {
			personaID, _ := args["persona_id"].(string)
			limit := 5
			if v, ok := args["limit"].(float64); ok {
				limit = int(v)
			}
			replies, err := st.RecentPersonaReplies(ctx, personaID, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"replies": replies}, nil
		})
	if err != nil {
		logger.Error("tool registration failed", "tool", "recent_replies", "error", err)
	}
}

func mustAddJob(logger *slog.Logger, s *schedule.Scheduler, name, expr string, run func(ctx context.Context) error) {
	if err := s.AddJob(name, expr, run); err != nil {
		fatalStartup(logger, "E_SCHEDULE_INVALID", fmt.Errorf("job %s: %w", name, err))
	}
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("PERCH_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	tok := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(tok+"\n"), 0o600); err != nil {
		return "", err
	}
	return tok, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
