package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/herald/internal/config"
	"github.com/zjrosen/herald/internal/log"
)

const localConfigPath = ".herald/config.yaml"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Route named events between a coordinator and supervised workers",
	Long: `herald starts worker processes under a supervisor (local processes,
in-process programs or docker containers) and routes named events between
them and the coordinator over a shared message bus.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initLogging,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.herald/config.yaml or ~/.config/herald/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write debug logs to $HERALD_LOG (default: debug.log)")
}

func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)
	v.SetEnvPrefix("HERALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .herald/config.yaml (current directory)
		// 2. ~/.config/herald/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
		} else if dir := config.DefaultConfigDir(); dir != "" {
			v.AddConfigPath(dir)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "herald: reading config: %v\n", err)
		}
	}

	decoded, err := config.Decode(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald: %v\n", err)
		decoded = config.Defaults()
	}
	if used := v.ConfigFileUsed(); used != "" {
		if workers, err := config.ReadWorkers(used); err == nil {
			decoded.Workers = workers
		}
	}
	cfg = decoded
}

// initLogging installs the file logger when --debug or HERALD_DEBUG is set.
// Worker subcommands own stdout, so logs never go there.
func initLogging(cmd *cobra.Command, _ []string) error {
	if !debugFlag && os.Getenv("HERALD_DEBUG") == "" {
		return nil
	}
	logPath := os.Getenv("HERALD_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}

	cleanup, err := log.InitWithTeaLog(logPath, "herald-"+cmd.Name())
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	cobra.OnFinalize(cleanup)

	if lvl := os.Getenv("HERALD_LOG_LEVEL"); lvl != "" {
		log.SetMinLevel(log.ParseLevel(lvl))
	}
	log.Info(log.CatConfig, "herald starting", "command", cmd.CommandPath(), "config", viper.ConfigFileUsed())
	return nil
}

// configPath returns the config file in use, or the path a new one should
// be written to.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath
	}
	if dir := config.DefaultConfigDir(); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	return localConfigPath
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
