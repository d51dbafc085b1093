package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildpulse/crmsync/cmd/migrate"
	"github.com/buildpulse/crmsync/cmd/schema"
	"github.com/buildpulse/crmsync/cmd/serve"
	"github.com/buildpulse/crmsync/cmd/status"
	"github.com/buildpulse/crmsync/cmd/validate"
	"github.com/buildpulse/crmsync/cmd/version"
	"github.com/buildpulse/crmsync/internal/buildinfo"
	"github.com/buildpulse/crmsync/internal/conf"
)

// RootCommand creates and returns the root command. settings is filled from the
// config file, environment and flags before any subcommand runs.
func RootCommand(settings *conf.Settings, info *buildinfo.Info) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "crmsync",
		Short:         "Batch migration of CRM records into a relational store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	versionCmd := version.Command(info)
	schemaCmd := schema.Command()

	rootCmd.AddCommand(
		serve.Command(settings, info),
		migrate.Command(settings, info),
		validate.Command(settings, info),
		status.Command(settings, info),
		schemaCmd,
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version and schema work without a configuration
		if cmd == versionCmd || cmd.Parent() == schemaCmd {
			return nil
		}

		if configFile != "" {
			viper.SetConfigFile(configFile)
		}
		loaded, err := conf.Load()
		if err != nil {
			return err
		}
		*settings = *loaded
		return nil
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to crmsync.yaml")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
