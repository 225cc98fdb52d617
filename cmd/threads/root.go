package main

import (
	"fmt"

	"github.com/Swind/go-worker-threads/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootOptions struct {
	v          *viper.Viper
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:           "threads",
		Short:         "Run tasks on a pool of isolated workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to a YAML config file")
	flags.String("log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
	flags.String("log-format", defaults.LogFormat, "Log format: console or json")
	mustBind(opts.v, "log-level", flags.Lookup("log-level"))
	mustBind(opts.v, "log-format", flags.Lookup("log-format"))

	cmd.AddCommand(newRunCommand(opts), newWorkerCommand(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.v, o.configFile)
}

// newLogger builds a zap logger writing to stderr; stdout may carry frames.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
