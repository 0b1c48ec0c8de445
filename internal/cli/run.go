package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/internal/logger"
	"github.com/marcin/weft/pkg/events"
	"github.com/marcin/weft/pkg/orchestrator"
	"github.com/marcin/weft/pkg/protocol"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/secret"
	"github.com/marcin/weft/pkg/store"
	"github.com/marcin/weft/pkg/toolexec"
)

var (
	runProvider  string
	runSession   string
	runModel     string
	runWorkspace string
	runWithTools bool
)

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Execute a single run in the foreground",
	Long: `Run sends one user message through the engine without the daemon and
streams the resulting events to the terminal. Asynchronous providers
return immediately; start the daemon to collect their results.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runProvider, "provider", "", "provider id (required)")
	runCmd.Flags().StringVar(&runSession, "session", "", "existing session id")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "workspace directory for new sessions")
	runCmd.Flags().BoolVar(&runWithTools, "tools", false, "allow shell tool use")
	_ = runCmd.MarkFlagRequired("provider")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	lg, err := logger.New(logger.Config{Level: "warn", Console: true, Redaction: true})
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	secrets, err := secret.NewFileStore(cfg.SecretsPath())
	if err != nil {
		return err
	}
	defer secrets.Close()

	tools, err := toolexec.New(toolexec.Config{
		Workspace:      cfg.Tools.Workspace,
		Timeout:        cfg.Tools.Timeout(),
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
	})
	if err != nil {
		return err
	}

	registry := provider.NewRegistry(cfg.Providers, secret.Chain{secret.EnvStore{}, secrets})
	interp := protocol.NewInterpreter(tools, log.With().Str("component", "protocol").Logger())

	streamID := events.NewStreamID()
	stream := events.NewStream(streamID, runSession, 64)

	runs := orchestrator.New(orchestrator.Config{
		Store:       db,
		Registry:    registry,
		Tools:       tools,
		Interpreter: interp,
		Sink:        stream,
		Logger:      log.With().Str("component", "orchestrator").Logger(),
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		runs.Cancel(streamID)
	}()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range stream.Events() {
			switch ev.Type {
			case events.TypeStatus:
				fmt.Fprintf(os.Stderr, "[%s]\n", ev.Text)
			case events.TypeTextDelta:
				fmt.Print(ev.Text)
			case events.TypeTrace:
				if ev.Trace != nil {
					fmt.Fprintf(os.Stderr, "(%s) %s\n", ev.Trace.Kind, ev.Trace.Text)
				}
			case events.TypeError:
				fmt.Fprintf(os.Stderr, "error: %s\n", ev.Text)
			}
		}
	}()

	mode := orchestrator.AccessChat
	if runWithTools {
		mode = orchestrator.AccessTools
	}

	result, err := runs.StartRun(ctx, orchestrator.StartParams{
		SessionID:      runSession,
		Workspace:      runWorkspace,
		ProviderID:     runProvider,
		Model:          runModel,
		AccessMode:     mode,
		UserText:       args[0],
		IdempotencyKey: uuid.New().String(),
		StreamID:       streamID,
	})

	// The run emits its own done event on every settled path; this
	// covers errors raised before the stream started.
	stream.EmitDone()
	<-printed

	if err != nil {
		return err
	}

	fmt.Println()
	if result.Accepted {
		fmt.Printf("Run %s accepted; the daemon will collect the result.\n", result.Run.ID)
		return nil
	}
	fmt.Printf("Run %s finished with status %s (session %s)\n", result.Run.ID, result.Run.Status, result.Session.ID)
	return nil
}
