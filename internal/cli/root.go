package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fliws/immortyx/internal/app"
	"github.com/fliws/immortyx/internal/logging"
	"github.com/fliws/immortyx/internal/model"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=..."
var Version = "v0.1.0-dev"

var (
	cfgFile string
	verbose bool
)

var envReplacer = strings.NewReplacer(".", "_")

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "immortyx",
	Short: "Immortyx - longevity research knowledge node",
	Long: `Immortyx continuously polls longevity research sources, turns documents
into trust-scored structured facts, and keeps a versioned consensus
per research topic.

Facts matching the pseudoscience pattern set are flagged or rejected,
never deleted. Accumulated evidence that contradicts a topic's current
consensus triggers an early resynthesis.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("immortyx %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.immortyx/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(filepath.Join(home, ".immortyx"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// IMMORTYX_STORE_DRIVER overrides store.driver
	viper.SetEnvPrefix("IMMORTYX")
	viper.SetEnvKeyReplacer(envReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig layers the config file and environment over the defaults
func loadConfig(v *viper.Viper) (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := registerDefaults(v, cfg); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// openApp loads configuration, builds the logger and wires a node
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging, verbose)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// closeApp closes the stores and flushes the logger
func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Error("close stores", zap.Error(err))
	}
	_ = a.Logger.Sync()
}

// registerDefaults makes every default key known to viper, which
// AutomaticEnv needs before an environment variable can override it
func registerDefaults(v *viper.Viper, cfg *model.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}
