package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"llamacore/llamaruntime"
)

// templateReserve is the room kept for chat markup around the messages.
const templateReserve = 64

func (a *app) chatCommand() *cobra.Command {
	var (
		system    string
		messages  string
		maxTokens int
		template  string
		sampling  samplingFlags
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the model",
		Long: `Chat reads one user message per line from stdin and streams the reply.
The history is kept within the context window; the oldest turns are dropped
first. Commands: /reset clears the history, /history prints it, /exit quits.

--messages seeds the history from a JSON array of OpenAI chat messages.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := llamaruntime.ChatRequest{
				MaxTokens: maxTokens,
				Sampling:  sampling.resolve(cmd, a.cfg.Engine.Sampling),
				Stream:    streamTo(a.out, a.colors.reply),
				Template:  llamaruntime.TemplateFamily(strings.ToLower(template)),
			}
			var seed []llamaruntime.Message
			if messages != "" {
				var err error
				if seed, err = readMessages(messages); err != nil {
					return err
				}
			}
			return a.track("chat", func(ctx context.Context) error {
				eng, err := a.openEngine(nil)
				if err != nil {
					return err
				}
				return a.chatLoop(ctx, eng, system, seed, req)
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&system, "system", "s", "", "system message")
	f.StringVar(&messages, "messages", "", "JSON file of OpenAI-format messages to start from")
	f.IntVarP(&maxTokens, "max-tokens", "n", llamaruntime.DefaultMaxTokens, "maximum tokens per reply")
	f.StringVar(&template, "template", "", "chat template: inst|chatml|llama3|generic (defaults to the model's)")
	addSamplingFlags(cmd, &sampling)
	return cmd
}

func (a *app) newConversation(eng engine, system string, maxTokens int) (*llamaruntime.Conversation, error) {
	budget := eng.ModelInfo().ContextSize - maxTokens - templateReserve
	if budget <= 0 {
		return nil, fmt.Errorf("%w: max tokens %d leave no room for history in a %d token context",
			llamaruntime.ErrInvalidArgument, maxTokens, eng.ModelInfo().ContextSize)
	}
	conv, err := llamaruntime.NewConversation(eng, budget)
	if err != nil {
		return nil, err
	}
	if system != "" {
		if err := conv.Append(llamaruntime.Message{Role: llamaruntime.RoleSystem, Content: system}); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

func (a *app) chatLoop(ctx context.Context, eng engine, system string, seed []llamaruntime.Message, req llamaruntime.ChatRequest) error {
	conv, err := a.newConversation(eng, system, req.MaxTokens)
	if err != nil {
		return err
	}
	for _, m := range seed {
		if err := conv.Append(m); err != nil {
			return err
		}
	}
	if len(seed) > 0 {
		a.colors.dim.Fprintf(a.errOut, "[loaded %d messages, %d tokens]\n", conv.Len(), conv.TokenCount())
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		a.colors.prompt.Fprint(a.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.out)
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(a.out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/reset":
			if conv, err = a.newConversation(eng, system, req.MaxTokens); err != nil {
				return err
			}
			a.colors.dim.Fprintln(a.errOut, "history cleared")
			continue
		case line == "/history":
			for _, m := range conv.Messages() {
				a.colors.key.Fprintf(a.out, "%s: ", m.Role)
				fmt.Fprintln(a.out, m.Content)
			}
			a.colors.dim.Fprintf(a.errOut, "[%d messages, %d tokens]\n", conv.Len(), conv.TokenCount())
			continue
		}

		// A failed turn leaves the history as it was before the user line.
		prev := conv.Clone()
		if err := conv.Append(llamaruntime.Message{Role: llamaruntime.RoleUser, Content: line}); err != nil {
			return err
		}
		res, err := eng.ChatConversation(ctx, conv, req)
		if err != nil {
			conv = prev
			if llamaruntime.IsCallerError(err) && !errors.Is(err, llamaruntime.ErrClosed) {
				a.colors.err.Fprintf(a.errOut, "error: %v\n", err)
				continue
			}
			return err
		}
		fmt.Fprintln(a.out)
		a.printSummary(a.errOut, res)
		if res.FinishReason == llamaruntime.FinishCancelled {
			return ctx.Err()
		}
	}
}

// readMessages loads a JSON array of OpenAI chat messages.
func readMessages(path string) ([]llamaruntime.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	var in []openai.ChatCompletionMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", llamaruntime.ErrInvalidArgument, path, err)
	}
	return llamaruntime.MessagesFromOpenAI(in), nil
}
