package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func (a *app) stateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state <file>",
		Short: "Check that a saved KV state loads into the model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.track("state", func(ctx context.Context) error {
				eng, err := a.openEngine(nil)
				if err != nil {
					return err
				}
				n, err := eng.LoadState(args[0])
				if err != nil {
					return err
				}
				a.colors.ok.Fprintf(a.out, "restored %d tokens from %s\n", n, args[0])
				return nil
			})
		},
	}
}
