// Package cli is the candidate command line: take runs a real attempt from a terminal and
// arrange previews the per-candidate ordering of an exam.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/logger"
)

// app carries what every subcommand needs once the root has loaded configuration.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewRootCommand builds the candidate command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "candidate",
		Short:         "ExStem candidate runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			// stdout is the candidate console.
			a.log = logger.Setup(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			return nil
		},
	}
	root.AddCommand(newTakeCommand(a), newArrangeCommand(a))
	return root
}
