// Package cli provides the command-line interface for aivideo.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/ai-video-pipeline/internal/config"
	"github.com/MimeLyc/ai-video-pipeline/internal/service"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	logLevel   string
	logFile    string
	configFile string
	envFile    string

	cfg        *config.Config
	app        *service.App
	fileLogger *log.FileLogger
)

var rootCmd = &cobra.Command{
	Use:   "aivideo",
	Short: "Turn a theme or script into a narrated, subtitled video",
	Long: `aivideo runs a durable job pipeline that writes a script, generates one
image and one narration clip per scene, synchronizes subtitles to the
narration and assembles the final video with ffmpeg.

Jobs are queued in SQLite and survive restarts; any number of worker
processes can share the same database.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		if err := loadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
			return err
		}
		if err := setupLogging(); err != nil {
			return err
		}

		var opts []config.Option
		if configFile != "" {
			opts = append(opts, config.WithFile(configFile))
		}
		var err error
		cfg, err = config.NewFromEnv(opts...)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		app, err = service.Open(cfg)
		if err != nil {
			return fmt.Errorf("open data store: %w", err)
		}
		return nil
	},
}

// loadEnvFile reads KEY=VALUE pairs without overriding the environment. A
// missing default file is fine; a missing file the user named is not.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

func setupLogging() error {
	level := log.ParseLevel(firstNonEmpty(logLevel, os.Getenv("LOG_LEVEL")))
	path := firstNonEmpty(logFile, os.Getenv("LOG_FILE"))
	if path == "" {
		log.InitLogger(level)
		return nil
	}
	fl, err := log.NewFileLogger(path, level)
	if err != nil {
		return err
	}
	fileLogger = fl
	log.SetLogger(fl.Logger)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	defer closeApp()
	return rootCmd.Execute()
}

// closeApp runs after every command, including failed ones, which cobra's
// post-run hooks skip.
func closeApp() {
	if app != nil {
		if err := app.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
		app = nil
	}
	if fileLogger != nil {
		_ = fileLogger.Close()
		fileLogger = nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file (env LOG_FILE)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file overlaying the environment (env CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cleanupCmd)
}
