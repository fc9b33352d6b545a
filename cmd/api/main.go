package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"escrowflow/db"
)

const envPrefix = "ESCROWFLOW"

type config struct {
	Server struct {
		ListenAddr      string        `conf:"default:0.0.0.0:8080"`
		ReadTimeout     time.Duration `conf:"default:10s"`
		WriteTimeout    time.Duration `conf:"default:30s"`
		ShutdownTimeout time.Duration `conf:"default:15s"`
	}
	Auth struct {
		JWTSecret string `conf:"default:change-me,mask"`
	}
	Store struct {
		// memory, pebble or postgres.
		Kind        string `conf:"default:memory"`
		PebbleDir   string `conf:"default:store"`
		DatabaseURL string `conf:"mask"`
		MaxConns    int32  `conf:"default:10"`
	}
	Escrow struct {
		PaymentTimeout   time.Duration `conf:"default:72h"`
		FeeTimeout       time.Duration `conf:"default:24h"`
		SharedMultiplier uint64        `conf:"default:10000"`
		WinnerMultiplier uint64        `conf:"default:10000"`
		LoserMultiplier  uint64        `conf:"default:20000"`
		Divisor          uint64        `conf:"default:10000"`
		ExtraData        string        `conf:"optional"`
	}
	Arbitrator struct {
		// local runs an operator-driven arbitrator in process; remote calls
		// an arbitration service.
		Mode         string        `conf:"default:local"`
		Identity     string        `conf:"default:arbitrator"`
		BaseURL      string        `conf:"default:http://localhost:9000"`
		Token        string        `conf:"optional,mask"`
		Timeout      time.Duration `conf:"default:10s"`
		Cost         uint64        `conf:"default:20"`
		AppealCost   uint64        `conf:"default:100"`
		AppealWindow time.Duration `conf:"default:72h"`
	}
	Payer struct {
		// account credits in-process balances; token pays through a token
		// service.
		Kind     string        `conf:"default:account"`
		TokenURL string        `conf:"default:http://localhost:9100"`
		Token    string        `conf:"optional,mask"`
		Timeout  time.Duration `conf:"default:10s"`
	}
	Outbox struct {
		BootstrapServers []string      `conf:"optional"`
		TopicPrefix      string        `conf:"default:escrowflow."`
		BatchSize        int           `conf:"default:100"`
		PollInterval     time.Duration `conf:"default:1s"`
		Lease            time.Duration `conf:"default:30s"`
		MaxAttempts      int           `conf:"default:10"`
	}
	MetricsNamespace string `conf:"default:escrowflow"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "escrowflow",
		Short:         "Dispute-resolution escrow with crowdfunded appeals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

// Flags are handled by conf so they share names with the environment
// variables.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "serve",
		Short:              "Run the HTTP API",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, ok, err := loadConfig()
			if err != nil || !ok {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger.Sugar())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	run := func(apply func(dsn string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, ok, err := loadConfig()
			if err != nil || !ok {
				return err
			}
			if cfg.Store.DatabaseURL == "" {
				return errors.New("migrate: ESCROWFLOW_STORE_DATABASE_URL is required")
			}
			return apply(cfg.Store.DatabaseURL)
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", DisableFlagParsing: true, RunE: run(db.Migrate)},
		&cobra.Command{Use: "down", Short: "Roll back every migration", DisableFlagParsing: true, RunE: run(db.MigrateDown)},
		&cobra.Command{
			Use:                "version",
			Short:              "Print the applied schema version",
			DisableFlagParsing: true,
			RunE: run(func(dsn string) error {
				version, dirty, err := db.Version(dsn)
				if err != nil {
					return err
				}
				fmt.Printf("version %d dirty=%t\n", version, dirty)
				return nil
			}),
		},
	)
	return cmd
}

// loadConfig parses the configuration. ok is false when only help was
// requested.
func loadConfig() (config, bool, error) {
	var cfg config
	help, err := conf.Parse(envPrefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("parsing config: %w", err)
	}
	out, err := conf.String(&cfg)
	if err != nil {
		return cfg, false, fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)
	return cfg, true, nil
}

func newLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}
