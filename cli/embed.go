package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"llamacore/llamaruntime"
)

type embeddingLine struct {
	Index     int       `json:"index"`
	Text      string    `json:"text,omitempty"`
	Tokens    int       `json:"tokens"`
	Embedding []float32 `json:"embedding"`
}

func (a *app) embedCommand() *cobra.Command {
	var (
		normalize bool
		withText  bool
	)
	cmd := &cobra.Command{
		Use:   "embed [text...]",
		Short: "Print embedding vectors as JSON lines",
		Long:  "Embed each argument, or each stdin line when there are no arguments, and print one JSON object per text.",
		RunE: func(cmd *cobra.Command, args []string) error {
			texts := args
			if len(texts) == 0 {
				var err error
				if texts, err = readLines(a); err != nil {
					return err
				}
			}
			if len(texts) == 0 {
				return fmt.Errorf("%w: no input texts", llamaruntime.ErrInvalidArgument)
			}

			return a.track("embed", func(ctx context.Context) error {
				eng, err := a.openEngine(func(c *llamaruntime.Config) {
					c.Embeddings = true
					if cmd.Flags().Changed("normalize") {
						c.NormalizeEmbeddings = normalize
					}
				})
				if err != nil {
					return err
				}
				res, err := eng.Embeddings(ctx, texts)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(a.out)
				for i, vec := range res.Vectors {
					line := embeddingLine{Index: i, Tokens: res.TokenCounts[i], Embedding: vec}
					if withText {
						line.Text = texts[i]
					}
					if err := enc.Encode(line); err != nil {
						return err
					}
				}
				a.colors.dim.Fprintf(a.errOut, "[%d vectors of dimension %d in %v]\n",
					len(res.Vectors), res.Dimension, res.Duration.Round(1e6))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&normalize, "normalize", false, "L2-normalize the vectors")
	f.BoolVar(&withText, "with-text", false, "include the input text in each line")
	return cmd
}

func readLines(a *app) ([]string, error) {
	var texts []string
	sc := bufio.NewScanner(a.in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			texts = append(texts, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return texts, nil
}
