package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/MrWong99/fablevoice/internal/app"
	"github.com/MrWong99/fablevoice/internal/config"
)

const defaultConfigPath = "fablevoice.yaml"

func newRootCommand() *cobra.Command {
	var configFlag string
	cc := &commandContext{configFlag: &configFlag, level: new(slog.LevelVar)}

	rootCmd := &cobra.Command{
		Use:           "fablevoice",
		Short:         "Voice-clone lifecycle and narration service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			cc.level.Set(app.SlogLevel(cfg.Server.LogLevel))
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cc.level})))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Configuration file path")

	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newMigrateCommand(cc))
	rootCmd.AddCommand(newQuotaCommand(cc))
	rootCmd.AddCommand(newResetQuotaCommand(cc))
	return rootCmd
}

// commandContext carries state shared by all subcommands.
type commandContext struct {
	configFlag *string
	level      *slog.LevelVar

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil || *c.configFlag == "" {
		return defaultConfigPath
	}
	return *c.configFlag
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := c.configPath()
		cfg, err := config.Load(path)
		if errors.Is(err, fs.ErrNotExist) {
			c.configErr = fmt.Errorf("config file %q not found; pass --config or create it", path)
			return
		}
		c.config, c.configErr = cfg, err
	})
	return c.config, c.configErr
}

func printLine(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}
