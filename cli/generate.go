package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"llamacore/llamaruntime"
	"llamacore/sampler"
)

// samplingFlags are per-request sampling overrides. Only flags the user
// set are applied on top of the configured defaults.
type samplingFlags struct {
	temperature   float32
	topK          int
	topP          float32
	minP          float32
	repeatPenalty float32
	seed          int64
}

func addSamplingFlags(cmd *cobra.Command, s *samplingFlags) {
	f := cmd.Flags()
	f.Float32Var(&s.temperature, "temperature", 0, "sampling temperature (0 is greedy)")
	f.IntVar(&s.topK, "top-k", 0, "keep the k most likely tokens (0 disables)")
	f.Float32Var(&s.topP, "top-p", 0, "nucleus sampling threshold")
	f.Float32Var(&s.minP, "min-p", 0, "minimum probability relative to the best token")
	f.Float32Var(&s.repeatPenalty, "repeat-penalty", 0, "repetition penalty")
	f.Int64Var(&s.seed, "seed", 0, "random seed (negative for random)")
}

// resolve returns nil when no sampling flag was set.
func (s samplingFlags) resolve(cmd *cobra.Command, defaults sampler.Params) *sampler.Params {
	p := defaults
	set := false
	apply := func(name string, fn func()) {
		if cmd.Flags().Changed(name) {
			fn()
			set = true
		}
	}
	apply("temperature", func() { p.Temperature = s.temperature })
	apply("top-k", func() { p.TopK = s.topK })
	apply("top-p", func() { p.TopP = s.topP })
	apply("min-p", func() { p.MinP = s.minP })
	apply("repeat-penalty", func() { p.RepeatPenalty = s.repeatPenalty })
	apply("seed", func() { p.Seed = s.seed })
	if !set {
		return nil
	}
	return &p
}

func (a *app) generateCommand() *cobra.Command {
	var (
		maxTokens int
		stops     []string
		noStream  bool
		raw       bool
		saveState string
		sampling  samplingFlags
	)
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Complete a prompt",
		Long:  "Complete a prompt given as arguments, or read from stdin when no arguments are given.",
		Example: `  llamacore generate -m model.gguf "Once upon a time"
  echo "2 + 2 =" | llamacore generate -n 8 --temperature 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, a.in)
			if err != nil {
				return err
			}
			req := llamaruntime.GenerateRequest{
				Prompt:      prompt,
				MaxTokens:   maxTokens,
				Sampling:    sampling.resolve(cmd, a.cfg.Engine.Sampling),
				StopStrings: stops,
				SkipSpecial: raw,
			}
			if !noStream {
				req.Stream = streamTo(a.out, a.colors.reply)
			}

			return a.track("generate", func(ctx context.Context) error {
				eng, err := a.openEngine(nil)
				if err != nil {
					return err
				}
				res, err := eng.Generate(ctx, req)
				if err != nil {
					return err
				}
				if noStream {
					fmt.Fprint(a.out, res.Text)
				}
				fmt.Fprintln(a.out)
				a.printSummary(a.errOut, res)

				if saveState != "" {
					if err := eng.SaveState(saveState); err != nil {
						return err
					}
					a.colors.dim.Fprintf(a.errOut, "state saved to %s\n", saveState)
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.IntVarP(&maxTokens, "max-tokens", "n", llamaruntime.DefaultMaxTokens, "maximum tokens to generate")
	f.StringArrayVar(&stops, "stop", nil, "stop string (repeatable)")
	f.BoolVar(&noStream, "no-stream", false, "print the completion only when it is done")
	f.BoolVar(&raw, "raw", false, "do not add BOS or other special tokens to the prompt")
	f.StringVar(&saveState, "save-state", "", "save the KV state to this file after generating")
	addSamplingFlags(cmd, &sampling)
	return cmd
}

// readPrompt joins args, or reads all of in when there are none.
func readPrompt(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimRight(string(data), "\r\n")
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: empty prompt", llamaruntime.ErrInvalidArgument)
	}
	return prompt, nil
}
