package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"llamacore/core"
)

func (a *app) infoCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Load the model and print its details and engine health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.track("info", func(ctx context.Context) error {
				eng, err := a.openEngine(nil)
				if err != nil {
					return err
				}
				h := eng.Health()
				if asJSON {
					enc := json.NewEncoder(a.out)
					enc.SetIndent("", "  ")
					return enc.Encode(h)
				}

				m := h.Model
				a.printKV(a.out, [][2]string{
					{"model", m.Name},
					{"path", m.Path},
					{"size", humanize.IBytes(uint64(max(m.Size, 0)))},
					{"abi", m.ABIVersion},
					{"context", fmt.Sprintf("%d (trained %d)", m.ContextSize, m.TrainContextSize)},
					{"vocab", fmt.Sprintf("%d (bos %d, eos %d)", m.VocabSize, m.BOSToken, m.EOSToken)},
					{"embedding", strconv.Itoa(m.EmbeddingSize)},
					{"template", string(m.Template)},
					{"load time", m.LoadDuration.Round(1e6).String()},
					{"status", fmt.Sprintf("%s (state %s, breaker %s)", h.Status, h.State, h.Breaker)},
					{"config", joinNonEmpty(a.cfg.Source.ConfigFile, a.cfg.Source.EnvFile)},
				})

				names := make([]string, 0, len(h.Capabilities))
				for name := range h.Capabilities {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][2]string, 0, len(names))
				for _, name := range names {
					rows = append(rows, [2]string{name, yesNo(h.Capabilities[name])})
				}
				fmt.Fprintln(a.out)
				a.printKV(a.out, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the health report as JSON")
	return cmd
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// version needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(a.out, "llamacore "+core.GetVersionInfo())
			return nil
		},
	}
}
