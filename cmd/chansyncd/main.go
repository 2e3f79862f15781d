package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"

	"chansync/internal/adapter/feed"
	"chansync/internal/adapter/media"
	"chansync/internal/adapter/store"
	"chansync/internal/domain"
	"chansync/internal/infra/config"
	"chansync/internal/infra/logger"
	"chansync/internal/infra/tracer"
	"chansync/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	if err := dispatch(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chansyncd - incremental channel sync daemon

USAGE:
    chansyncd [COMMAND] [FLAGS]

COMMANDS:
    login                 Interactive session login (code + optional password)
    logout                Delete the stored session and credential
    channels              List channels visible to the authorized account
    sync                  Run one sync pass over all active channels
    backfill ID COUNT     Fetch COUNT older messages for channel ID
    redownload ID MSG     Re-fetch the media attachment of one message
    audit                 Report missing or empty media files
    cleanup               Drop inactive sessions and their artifacts

    (no command) - Run the sync daemon with the configured schedule

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CHANSYNC_* variables override config`)
}

func dispatch(cmd string, args []string) error {
	configPath, rest, err := splitArgs(args)
	if err != nil {
		return err
	}

	app, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "run":
		return app.runDaemon(ctx)
	case "login":
		return app.login(ctx)
	case "logout":
		return app.logout(ctx)
	case "channels":
		return app.listChannels(ctx)
	case "sync":
		return app.syncOnce(ctx)
	case "backfill":
		if len(rest) != 2 {
			return fmt.Errorf("usage: chansyncd backfill CHANNEL_ID COUNT")
		}
		count, err := strconv.Atoi(rest[1])
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		return app.backfill(ctx, rest[0], count)
	case "redownload":
		if len(rest) != 2 {
			return fmt.Errorf("usage: chansyncd redownload CHANNEL_ID MESSAGE_ID")
		}
		messageID, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		return app.redownload(ctx, rest[0], messageID)
	case "audit":
		return app.audit(ctx)
	case "cleanup":
		return app.cleanup(ctx)
	default:
		return fmt.Errorf("unknown command %q (run 'chansyncd --help')", cmd)
	}
}

// splitArgs separates the --config flag from positional arguments.
// Channel ids are negative numbers, so std flag parsing cannot be used
// on the positional part.
func splitArgs(args []string) (configPath string, rest []string, err error) {
	configPath = "./config.yaml"
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-config":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--config requires a path")
			}
			i++
			configPath = args[i]
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		default:
			rest = append(rest, arg)
		}
	}
	return configPath, rest, nil
}

// app ties the wired components together for the command handlers.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *store.Store
	registry *usecase.Registry
	planner  *usecase.Planner
	acquirer *media.Acquirer

	closers []func() error
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	shutdownTracer, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logCloser()
		return nil, err
	}

	factory := func(identity string) domain.FeedProvider {
		return feed.NewClient(cfg.Provider.GatewayURL, identity, feed.Options{
			Timeout:           cfg.Provider.Timeout,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Burst:             cfg.Provider.Burst,
		}, log)
	}

	sealer := config.NewSecretBox(cfg.SecretKey)
	registry := usecase.NewRegistry(factory, st, sealer, log)

	var acquirer *media.Acquirer
	var resolverFor func(domain.FileDownloader) domain.MediaResolver
	if cfg.Media.Enabled {
		resolverFor = func(dl domain.FileDownloader) domain.MediaResolver {
			return media.NewAcquirer(cfg.Media.Dir, dl, log)
		}
		acquirer = media.NewAcquirer(cfg.Media.Dir, nil, log)
	}

	planner := usecase.NewPlanner(st, registry, usecase.NewReconstructor(log), resolverFor,
		usecase.PlannerConfig{
			Window:        cfg.Sync.Window,
			ChannelDelay:  cfg.Sync.ChannelDelay,
			ProbeFailOpen: cfg.Sync.ProbeFailOpen,
		}, log)

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: registry,
		planner:  planner,
		acquirer: acquirer,
	}
	a.closers = append(a.closers,
		st.Close,
		func() error { return shutdownTracer(context.Background()) },
		logCloser,
	)

	// Config channels seed the watch list.
	for _, ch := range cfg.Channels {
		if err := st.UpsertChannel(context.Background(), domain.Channel{
			ID: ch.ID, Title: ch.Title, Username: ch.Username, Active: true,
		}); err != nil {
			a.close()
			return nil, fmt.Errorf("register channel %s: %w", ch.ID, err)
		}
	}
	return a, nil
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
}

func (a *app) runDaemon(ctx context.Context) error {
	defer a.registry.StopAll(context.Background())

	c := cron.New()
	schedule := a.cfg.Sync.Schedule
	if schedule != "" {
		if _, err := c.AddFunc(schedule, func() {
			report, err := a.planner.SyncAllActive(ctx, usecase.SyncOptions{})
			if err != nil {
				a.log.Error("sync run failed", "error", err)
				return
			}
			a.log.Info("scheduled sync finished",
				"run_id", report.RunID, "new_units", report.TotalNew)
		}); err != nil {
			return fmt.Errorf("sync schedule: %w", err)
		}
	}

	if a.acquirer != nil && a.cfg.Sync.AuditSchedule != "" {
		if _, err := c.AddFunc(a.cfg.Sync.AuditSchedule, func() {
			if err := a.runAudit(ctx); err != nil {
				a.log.Error("media audit failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("audit schedule: %w", err)
		}
	}

	a.log.Info("daemon started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	a.log.Info("shutting down")
	<-c.Stop().Done()
	return nil
}

// login drives the interactive code (and password) exchange on stdin.
func (a *app) login(ctx context.Context) error {
	identity := a.cfg.Provider.Identity
	if identity == "" {
		return fmt.Errorf("provider.identity is not configured")
	}
	sess := a.registry.Use(identity)

	if sess.CheckAuthorized(ctx) {
		fmt.Printf("%s is already authorized\n", identity)
		return nil
	}

	hash, err := sess.RequestCode(ctx)
	if err != nil {
		if wait, ok := domain.RetryAfterOf(err); ok {
			return fmt.Errorf("provider throttled, retry in %s", wait)
		}
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("Login code sent to %s. Code: ", identity)
	code, err := reader.ReadString('\n')
	if err != nil {
		return err
	}

	state, err := sess.SubmitCode(ctx, strings.TrimSpace(code), hash)
	if err != nil {
		return err
	}

	if state == domain.AuthStatePasswordRequired {
		fmt.Print("Two-factor password: ")
		password, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if state, err = sess.SubmitPassword(ctx, strings.TrimSpace(password)); err != nil {
			return err
		}
	}

	fmt.Printf("Session state: %s\n", state)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	sess, err := a.registry.SelectActive(ctx)
	if err != nil {
		return err
	}
	if err := sess.Logout(ctx); err != nil {
		return err
	}
	fmt.Printf("%s logged out\n", sess.Identity())
	return nil
}

func (a *app) listChannels(ctx context.Context) error {
	sess, err := a.registry.SelectActive(ctx)
	if err != nil {
		return err
	}
	channels, err := sess.Channels(ctx)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		line := ch.ID + "\t" + ch.Title
		if ch.Username != "" {
			line += "\t@" + ch.Username
		}
		fmt.Println(line)
	}
	return nil
}

func (a *app) syncOnce(ctx context.Context) error {
	report, err := a.planner.SyncAllActive(ctx, usecase.SyncOptions{})
	if err != nil {
		return err
	}
	return printJSON(report)
}

func (a *app) backfill(ctx context.Context, channelID string, count int) error {
	res, err := a.planner.BackfillChannel(ctx, channelID, count)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d new units\n", res.Channel.ID, len(res.NewUnits))
	return nil
}

func (a *app) redownload(ctx context.Context, channelID string, messageID int64) error {
	att, err := a.planner.RedownloadMedia(ctx, channelID, messageID)
	if err != nil {
		return err
	}
	return printJSON(att)
}

func (a *app) audit(ctx context.Context) error {
	return a.runAudit(ctx)
}

func (a *app) runAudit(ctx context.Context) error {
	if a.acquirer == nil {
		return fmt.Errorf("media is disabled")
	}
	units, err := a.store.UnitsWithMedia(ctx)
	if err != nil {
		return err
	}
	report := a.acquirer.Audit(units)
	a.log.Info("media audit finished",
		"attachments", report.Total, "findings", len(report.Findings))
	return printJSON(report)
}

func (a *app) cleanup(ctx context.Context) error {
	return a.registry.CleanupInactive(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
