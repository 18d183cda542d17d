package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"revchat/internal/chat"
	"revchat/internal/config"
	"revchat/internal/db"
	"revchat/internal/logger"
	"revchat/internal/transport"
	"revchat/internal/ui"
)

var (
	cfgFile   string
	serverURL string
	branch    string
	logLevel  string
	noHistory bool
)

var rootCmd = &cobra.Command{
	Use:           "revchat",
	Short:         "Chat with the code review agent about a branch",
	Long:          `Terminal client for the code review agent. Answers stream in as the agent works through a branch's diff.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "agent backend URL (overrides server.url)")
	rootCmd.PersistentFlags().StringVarP(&branch, "branch", "b", "", "branch to review (overrides ui.default_branch)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noHistory, "no-history", false, "do not record or browse chat history")
}

// loadConfig layers flags over file and environment values
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server.URL = serverURL
	}
	if flags.Changed("branch") {
		cfg.UI.DefaultBranch = branch
	}
	if flags.Changed("log-level") {
		cfg.Logger.Level = logLevel
	}
	if noHistory {
		cfg.History.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info("starting revchat", "server", cfg.Server.URL, "history", cfg.History.Enabled)

	var (
		conn     *sql.DB
		dbErr    error
		recorder *db.Recorder
	)
	if cfg.History.Enabled {
		conn, dbErr = db.Open(cfg.History.DBPath)
		if dbErr != nil {
			log.Warn("history unavailable", "path", cfg.History.DBPath, "error", dbErr)
		} else {
			defer conn.Close()
			recorder = db.NewRecorder(conn)
		}
	}

	client := transport.New(cfg.Server, cfg.Breaker, log)

	deps := chat.Deps{
		Opener:      client,
		Labels:      chat.NewLabels(cfg.StatusLabels),
		Logger:      log,
		Branch:      cfg.UI.DefaultBranch,
		IdleTimeout: cfg.Stream.IdleTimeout,
		TurnTimeout: cfg.Stream.TurnTimeout,
	}
	// A nil *db.Recorder in the interface would not compare equal to nil.
	if recorder != nil {
		deps.Recorder = recorder
	}
	controller := chat.New(deps)

	p := ui.NewProgram(ui.Options{
		Chat:         controller,
		Branches:     client,
		Backend:      client,
		DB:           conn,
		DBErr:        dbErr,
		Recorder:     recorder,
		QuickPrompts: cfg.QuickPrompts,
		ServerURL:    client.BaseURL(),
		Logger:       log,
	})
	_, err = p.Run()
	controller.Close()
	if err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	log.Info("revchat exited")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
