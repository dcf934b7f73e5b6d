package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/riordanpawley/azedarach/internal/config"
	"github.com/riordanpawley/azedarach/internal/errors"
)

// errReported is returned by commands that already printed their failures.
var errReported = errors.New("command failed")

var rootCmd = &cobra.Command{
	Use:   "azedarach",
	Short: "Run coding agents in isolated worktrees",
	Long: `Azedarach runs one coding-agent session per task, each in its own git
worktree and tmux session, watches what the agents are doing and carries
their branches back to the base branch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints any failure not already
// reported by the command itself.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errReported) {
		PrintFailure(rootCmd.ErrOrStderr(), err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/azedarach/config.yaml)")
	rootCmd.PersistentFlags().String("repo", "", "repository to operate on (default is the current directory)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("repo", rootCmd.PersistentFlags().Lookup("repo"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".azedarach")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AZEDARACH")
	// e.g. AZEDARACH_GIT_PUSH_AFTER_MERGE for git.push_after_merge
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
