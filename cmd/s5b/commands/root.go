package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// envPrefix namespaces every setting in the environment, e.g. S5B_LOG_LEVEL.
const envPrefix = "S5B"

var (
	envFile    string
	configFile string
	settings   = viper.New()
	logRotator *lumberjack.Logger
)

// Execute runs the command tree.
func Execute() error {
	root := &cobra.Command{
		Use:           "s5b",
		Short:         "SOCKS5 bytestream negotiation tools",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadSettings(cmd); err != nil {
				return err
			}
			return setupLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logRotator != nil {
				_ = logRotator.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading S5B_* variables")
	pf.StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("log-file", "", "also write logs to this file, rotated")
	pf.Int("log-max-size", 10, "rotate the log file after this many megabytes")
	pf.Int("log-max-backups", 3, "rotated log files to keep")

	root.AddCommand(probeCmd(), selftestCmd())
	return root.Execute()
}

// loadSettings layers flags over S5B_* environment over the config file.
func loadSettings(cmd *cobra.Command) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if configFile != "" {
		settings.SetConfigFile(configFile)
		if err := settings.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return nil
}

func setupLogging() error {
	level, err := logrus.ParseLevel(settings.GetString("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	switch strings.ToLower(settings.GetString("log-format")) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", settings.GetString("log-format"))
	}

	var out io.Writer = os.Stderr
	if path := settings.GetString("log-file"); path != "" {
		logRotator = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    max(settings.GetInt("log-max-size"), 1),
			MaxBackups: settings.GetInt("log-max-backups"),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, logRotator)
	}
	logrus.SetOutput(out)

	logrus.WithFields(logrus.Fields{
		"function": "setupLogging",
		"level":    level.String(),
		"file":     settings.GetString("log-file"),
	}).Debug("Logging configured")
	return nil
}
