package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcoops/go-cve2attack/internal/config"
	"github.com/mcoops/go-cve2attack/internal/logging"
)

// app carries the state shared by every subcommand once the root command has
// loaded configuration.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), log: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "cve2attack",
		Short:         "Enrich CVE records with CWE, CAPEC and ATT&CK techniques.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newRunCmd(a),
		newLookupCmd(a),
		newHistoryCmd(a),
		newVersionCmd(),
	)
	return root
}

// initialize reads the config file and environment, then sets up logging.
func (a *app) initialize() error {
	config.SetDefaults(a.v)

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix("CVE2ATTACK")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.Setup(cfg.Logger)

	if used := a.v.ConfigFileUsed(); used != "" {
		a.log.Debug().Str("config", used).Msg("Loaded config file")
	}
	return nil
}
