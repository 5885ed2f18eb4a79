package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/conclave-chat/conclave/internal/application/config"
	"github.com/conclave-chat/conclave/internal/application/constant"
	"github.com/conclave-chat/conclave/internal/application/metric"
	"github.com/conclave-chat/conclave/internal/domain"
	"github.com/conclave-chat/conclave/internal/infra/adapters/media"
	"github.com/conclave-chat/conclave/internal/infra/adapters/memory"
	"github.com/conclave-chat/conclave/internal/infra/adapters/rest"
	"github.com/conclave-chat/conclave/internal/infra/adapters/signaling"
	"github.com/conclave-chat/conclave/internal/infra/adapters/sqlite"
	"github.com/conclave-chat/conclave/internal/usecase"
)

var (
	joinUsername string
	joinPassword string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a meeting room and stay in it until interrupted",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runJoin(args[0])
	},
}

func init() {
	joinCmd.Flags().StringVarP(&joinUsername, "username", "u", "", "account username")
	joinCmd.Flags().StringVarP(&joinPassword, "password", "p", "", "account password")

	rootCmd.AddCommand(joinCmd)
}

func runJoin(roomID string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.New()
	if err != nil {
		slog.Error("parse config", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	slog.SetDefault(
		slog.New(
			slog.NewJSONHandler(
				os.Stdout,
				&slog.HandlerOptions{Level: level},
			),
		),
	)

	history, err := sqlite.NewHistoryStore(cfg.HistoryPath)
	if err != nil {
		slog.Warn("open history store", slog.Any(constant.Error, err))
	} else {
		defer history.Close()

		if err := history.Migrate(ctx); err != nil {
			slog.Warn("migrate history store", slog.Any(constant.Error, err))
			history = nil
		}
	}

	restClient := rest.NewClient(cfg.ServerURL)

	token, err := restClient.Login(ctx, joinUsername, joinPassword)
	if err != nil {
		slog.Error("login", slog.Any(constant.Error, err))
		os.Exit(1)
	}
	restClient.SetToken(token)

	acquirer := media.NewAcquirer()

	webrtcAPI, err := acquirer.API()
	if err != nil {
		slog.Error("build webrtc api", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	transport := signaling.NewTransport(cfg)
	linkRepo := memory.NewPeerLinkRepository()

	// The degradation hook closes the construction cycle between the peer
	// manager and the session controller.
	var session usecase.SessionUsecase

	peers := usecase.NewPeerUsecase(cfg, webrtcAPI, linkRepo, transport, func(participantID string) {
		session.ParticipantDegraded(participantID)
	})

	var historyStore usecase.HistoryStore
	if history != nil {
		historyStore = history
	}

	session = usecase.NewSessionUsecase(cfg, transport, restClient, acquirer, peers, historyStore)

	// The controller outlives the interrupt context so the graceful leave
	// below still goes through its event loop.
	sessCtx, sessCancel := context.WithCancel(context.Background())
	defer sessCancel()

	go session.Run(sessCtx)

	unsubscribe := session.OnUpdate(func(snap domain.Snapshot) {
		slog.Debug(
			"session updated",
			slog.String(constant.State, string(snap.State)),
			slog.Int("participants", len(snap.Participants)),
		)
	})
	defer unsubscribe()

	metricsSrv := metric.NewServer(func() any { return session.Snapshot() })
	metricsSrvCh := make(chan error, 1)

	go func() {
		metricsSrvCh <- metricsSrv.Start(":" + cfg.MetricsPort)
	}()

	if err := transport.Connect(ctx, signaling.Credentials{Token: token}); err != nil {
		slog.Error("connect signaling", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	if err := session.Join(ctx, roomID); err != nil {
		slog.Error("join meeting", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down on interrupt")
	case err := <-metricsSrvCh:
		slog.Error("metrics server failed", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	// Graceful leave on a fresh context; ctx is already cancelled.
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer timeoutCancel()

	if err := session.Leave(timeoutCtx); err != nil {
		slog.Warn("leave meeting", slog.Any(constant.Error, err))
	}

	if err := transport.Close(); err != nil {
		slog.Warn("close transport", slog.Any(constant.Error, err))
	}

	if err := metricsSrv.Shutdown(timeoutCtx); err != nil {
		slog.Error("shutdown metrics server", slog.Any(constant.Error, err))
	}
}
