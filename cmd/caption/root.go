package cmd

import (
	"fmt"
	"os"
	"strings"

	// Subcommands
	download "github.com/cozy-creator/caption-server/cmd/caption/download"
	run "github.com/cozy-creator/caption-server/cmd/caption/run"
	"github.com/cozy-creator/caption-server/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const captionPrefix = "CAPTION"

var Cmd = &cobra.Command{
	Use:   "caption",
	Short: "BLIP caption server",
	Long:  "Serves streaming image captions over WebSocket and one-shot captions over HTTP",

	// Runs before this command and any subcommands
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix(captionPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(
			`-`, `_`,
			`.`, `_`,
		))
		viper.AutomaticEnv()

		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}

		if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}

		return config.LoadEnvAndConfigFiles()
	},
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pflags := Cmd.PersistentFlags()

	pflags.String("caption-home", "", "Path to the caption home directory")
	pflags.String("config-file", "", "Path to the config file")
	pflags.String("env-file", "", "Path to the env file")

	viper.BindPFlag("caption_home", pflags.Lookup("caption-home"))
	viper.BindPFlag("config_file", pflags.Lookup("config-file"))
	viper.BindPFlag("env_file", pflags.Lookup("env-file"))

	Cmd.AddCommand(run.Cmd, download.Cmd)
	Cmd.CompletionOptions.HiddenDefaultCmd = true
}
