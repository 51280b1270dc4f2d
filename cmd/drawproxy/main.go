package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mattn/go-isatty"

	"github.com/basket/drawproxy/internal/audit"
	"github.com/basket/drawproxy/internal/backend/chat"
	"github.com/basket/drawproxy/internal/backend/official"
	"github.com/basket/drawproxy/internal/backend/partner"
	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/config"
	"github.com/basket/drawproxy/internal/correlator"
	"github.com/basket/drawproxy/internal/cron"
	"github.com/basket/drawproxy/internal/domaincache"
	"github.com/basket/drawproxy/internal/gateway"
	"github.com/basket/drawproxy/internal/idempotency"
	"github.com/basket/drawproxy/internal/instance"
	otelPkg "github.com/basket/drawproxy/internal/otel"
	"github.com/basket/drawproxy/internal/orchestrator"
	"github.com/basket/drawproxy/internal/registry"
	"github.com/basket/drawproxy/internal/selector"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
	"github.com/basket/drawproxy/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.0-dev"

const seenSetCapacity = 4096

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                   Run the orchestration daemon
  %s status            Show daemon health status (/healthz)
  %s backup <dest>     Snapshot the task store to dest via VACUUM INTO

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DRAWPROXY_HOME          Data directory (default: ~/.drawproxy)
  CHAT_BOT_TOKEN          Chat-platform bot token
  OFFICIAL_API_KEY        Official cloud API key
  PARTNER_API_KEY         Partner cloud API key
`)
}

func main() {
	quiet := isatty.IsTerminal(os.Stdout.Fd()) == false
	flag.Usage = printUsage
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand())
		case "backup":
			os.Exit(runBackupCommand(args[1:]))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer s.Close()
	audit.SetDB(s.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	recovered, err := s.RecoverRunningTasks(ctx)
	if err != nil {
		fatalStartup(logger, "E_STORE_RECOVER", err)
	}
	if recovered > 0 {
		logger.Warn("recovered in-flight tasks left by a prior crash", "count", recovered)
	}

	eventBus := bus.NewWithLogger(logger)

	reg := registry.New(s)
	if err := reg.Refresh(ctx); err != nil {
		fatalStartup(logger, "E_REGISTRY_REFRESH", err)
	}
	logger.Info("startup phase", "phase", "registry_loaded", "accounts", len(reg.All()))

	cache := domaincache.New(s)
	locker := idempotency.NewLocker()
	seen := idempotency.NewSeenSet(seenSetCapacity)

	backends, err := buildBackends(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_BACKEND_INIT", err)
	}
	defer func() {
		if backends.partnerSandbox != nil {
			_ = backends.partnerSandbox.Close()
		}
	}()
	if backends.chat != nil {
		go backends.chat.Listen(ctx, eventBus)
	}

	pool := instance.NewPool()
	for _, acct := range reg.All() {
		inst := instance.New(acct, s, eventBus, locker, logger)
		inst.SetMetrics(metrics)
		pool.Put(inst)

		b, ok := backends.byFamily[acct.BackendFamily]
		if !ok {
			logger.Warn("no backend registered for account's family; instance will not dispatch",
				"channel_id", acct.ChannelID, "backend_family", acct.BackendFamily)
			continue
		}
		switch acct.BackendFamily {
		case task.BackendOfficial:
			if backends.official != nil {
				backends.official.WatchAccount(acct)
			}
		case task.BackendPartner:
			if backends.partner != nil {
				backends.partner.WatchAccount(acct)
			}
		}
		account := acct
		inst.Start(ctx, func(ctx context.Context, t *task.Task) (instance.Message, task.SubmitResult) {
			if t.Properties.CustomID != "" && t.Status == task.StatusInProgress {
				return b.SendSecondPhase(ctx, account, t, t.Properties.CustomID)
			}
			return b.Send(ctx, account, t)
		})
	}
	logger.Info("startup phase", "phase", "instances_started", "count", len(pool.All()))
	if backends.official != nil {
		go backends.official.Poll(ctx, eventBus)
	}
	if backends.partner != nil {
		go backends.partner.Poll(ctx, eventBus)
	}

	corr := correlator.New(s, eventBus, func(channelID string) (correlator.Instance, bool) {
		return pool.ByChannel(channelID)
	}, seen, logger)
	corr.SetMetrics(metrics)

	// Upstream backends publish raw notifications onto TopicUpstreamEvent
	// as they arrive (chat bot updates, official/partner poll results);
	// the correlator demultiplexes them to the running task they belong to.
	upstreamSub := eventBus.Subscribe(bus.TopicUpstreamEvent)
	go func() {
		defer eventBus.Unsubscribe(upstreamSub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-upstreamSub.Ch():
				if !ok {
					return
				}
				data, ok := ev.Payload.(correlator.EventData)
				if !ok {
					continue
				}
				if err := corr.Ingest(ctx, data); err != nil {
					logger.Error("correlator: ingest failed", "event_id", data.ID, "error", err)
				}
			}
		}
	}()

	sel := selector.New(cfg.AccountChooseRule, cfg.IdleBias)

	orch := orchestrator.New(orchestrator.Config{
		Store:                  s,
		Registry:               reg,
		Pool:                   pool,
		Selector:               sel,
		Cache:                  cache,
		Locker:                 locker,
		Backends:               backends.byFamily,
		Logger:                 logger,
		Tracer:                 otelProvider.Tracer,
		Metrics:                metrics,
		ForceRehostChatUploads: cfg.ForceRehostChatUploads,
		AllowBase64Uploads:     cfg.EnableUserCustomUploadBase64,
	})

	if recovered > 0 {
		pending, err := s.List(ctx, store.Filter{Statuses: []task.Status{task.StatusNotStart}}, "submit_time", true, 0)
		if err != nil {
			logger.Error("recovered-task relist failed", "error", err)
		}
		for _, t := range pending {
			if result := orch.Submit(ctx, *t); result.Code != task.CodeSuccess {
				logger.Error("recovered task resubmit failed", "task_id", t.ID, "reason", result.Description)
			}
		}
		logger.Info("startup phase", "phase", "recovered_tasks_resubmitted", "count", len(pending))
	}

	gw := gateway.New(gateway.Config{
		Store:     s,
		Bus:       eventBus,
		Submitter: orch,
		Logger:    logger,
	})

	cronSched := cron.NewScheduler(cron.Config{
		Store:    s,
		Registry: reg,
		Cache:    cache,
		Bus:      eventBus,
		Logger:   logger,
		Interval: time.Duration(cfg.LeaseSweepIntervalSeconds) * time.Second,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			sel.SetRule(newCfg.AccountChooseRule)
			cache.Invalidate()
			logger.Info("config.yaml hot-reloaded", "account_choose_rule", newCfg.AccountChooseRule)
		}
	}()

	server := &http.Server{Addr: cfg.BindAddr, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", fmt.Errorf("%w\n\nAnother process is using %s; stop it or change bind_addr", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	drainDeadline := time.Now().Add(drainTimeout)
	for _, inst := range pool.All() {
		if time.Now().After(drainDeadline) {
			break
		}
		inst.Stop()
	}
	logger.Info("shutdown complete")
}

// backendSet holds one constructed Backend per upstream family plus the
// partner family's optional rehost sandbox, so main can close it on exit.
type backendSet struct {
	byFamily       map[task.BackendFamily]orchestrator.Backend
	chat           *chat.Backend
	official       *official.Backend
	partner        *partner.Backend
	partnerSandbox *partner.RehostSandbox
}

func buildBackends(cfg config.Config, logger *slog.Logger) (backendSet, error) {
	out := backendSet{byFamily: make(map[task.BackendFamily]orchestrator.Backend)}

	if cfg.Backends.Chat.Token != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.Backends.Chat.Token)
		if err != nil {
			return out, fmt.Errorf("chat backend: %w", err)
		}
		out.chat = chat.New(bot, logger)
		out.byFamily[task.BackendChat] = out.chat
	}

	if cfg.Backends.Official.BaseURL != "" {
		apiKey := cfg.Backends.Official.APIKey
		out.official = official.New(cfg.Backends.Official.BaseURL, func(*task.Account) string { return apiKey }, logger)
		out.byFamily[task.BackendOfficial] = out.official
	}

	if cfg.Backends.Partner.BaseURL != "" {
		var sandbox *partner.RehostSandbox
		if cfg.Backends.Partner.RehostSandboxEnabled {
			sb, err := partner.NewRehostSandbox(cfg.Backends.Partner.RehostSandboxImage, cfg.Backends.Partner.RehostSandboxMemory)
			if err != nil {
				logger.Warn("partner rehost sandbox unavailable; uploads will not be re-encoded", "error", err)
			} else {
				sandbox = sb
			}
		}
		out.partnerSandbox = sandbox
		apiKey := cfg.Backends.Partner.APIKey
		out.partner = partner.New(cfg.Backends.Partner.BaseURL, func(*task.Account) string { return apiKey }, sandbox, logger)
		out.byFamily[task.BackendPartner] = out.partner
	}

	return out, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func runStatusCommand() int {
	addr := config.HomeDir()
	cfg, err := config.Load()
	if err == nil {
		addr = cfg.BindAddr
	}
	resp, err := http.Get("http://" + strings.TrimPrefix(addr, "http://") + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon not reachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "daemon unhealthy: status %s\n", resp.Status)
		return 1
	}
	fmt.Println("ok")
	return 0
}

// runBackupCommand snapshots the running daemon's task store to dest
// without needing to stop the daemon: VACUUM INTO takes its own read
// lock and does not block writers.
func runBackupCommand(args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: drawproxy backup <dest-path>")
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		return 1
	}
	fmt.Printf("backed up to %s\n", args[0])
	return 0
}
