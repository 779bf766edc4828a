package llamaruntime

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Role is a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// TemplateFamily selects the prompt markup for chat.
type TemplateFamily string

const (
	// TemplateInst wraps user turns in [INST] ... [/INST] (Llama 2, Mistral).
	TemplateInst TemplateFamily = "inst"
	// TemplateChatML uses <|im_start|>role ... <|im_end|> (Qwen, Hermes, Yi).
	TemplateChatML TemplateFamily = "chatml"
	// TemplateLlama3 uses <|start_header_id|> role headers.
	TemplateLlama3 TemplateFamily = "llama3"
	// TemplateGeneric labels each turn with its role.
	TemplateGeneric TemplateFamily = "generic"
)

type chatTemplate struct {
	render func(msgs []Message) string
	stops  []string
	// addSpecial is false when the markup spells out BOS itself.
	addSpecial bool
}

var templates = map[TemplateFamily]chatTemplate{
	TemplateInst: {
		render: renderInst,
		stops:  []string{"</s>", "[INST]"},
	},
	TemplateChatML: {
		render:     renderChatML,
		stops:      []string{"<|im_end|>", "<|im_start|>"},
		addSpecial: true,
	},
	TemplateLlama3: {
		render: renderLlama3,
		stops:  []string{"<|eot_id|>", "<|start_header_id|>"},
	},
	TemplateGeneric: {
		render:     renderGeneric,
		stops:      []string{"\nUser:", "\nSystem:"},
		addSpecial: true,
	},
}

// InferTemplate guesses the template family from a model name.
func InferTemplate(modelName string) TemplateFamily {
	name := strings.ToLower(modelName)
	switch {
	case strings.Contains(name, "llama-3"), strings.Contains(name, "llama3"):
		return TemplateLlama3
	case strings.Contains(name, "mistral"), strings.Contains(name, "mixtral"),
		strings.Contains(name, "llama-2"), strings.Contains(name, "llama2"),
		strings.Contains(name, "codellama"):
		return TemplateInst
	case strings.Contains(name, "qwen"), strings.Contains(name, "chatml"),
		strings.Contains(name, "hermes"), strings.Contains(name, "yi-"),
		strings.Contains(name, "openchat"), strings.Contains(name, "phi-3"):
		return TemplateChatML
	default:
		return TemplateGeneric
	}
}

// RenderChat formats msgs for family and returns the prompt together with
// the stop strings that end the assistant turn.
func RenderChat(family TemplateFamily, msgs []Message) (string, []string, error) {
	tpl, ok := templates[family]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown chat template %q", ErrInvalidArgument, family)
	}
	return tpl.render(msgs), append([]string(nil), tpl.stops...), nil
}

func renderInst(msgs []Message) string {
	var b strings.Builder
	var system []string
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(m.Content))
			b.WriteString(" </s>")
		default:
			b.WriteString("<s>[INST] ")
			if len(system) > 0 {
				b.WriteString("<<SYS>>\n")
				b.WriteString(strings.Join(system, "\n"))
				b.WriteString("\n<</SYS>>\n\n")
				system = nil
			}
			b.WriteString(strings.TrimSpace(m.Content))
			b.WriteString(" [/INST]")
		}
	}
	return b.String()
}

func renderChatML(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func renderLlama3(msgs []Message) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	for _, m := range msgs {
		fmt.Fprintf(&b, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, strings.TrimSpace(m.Content))
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}

func renderGeneric(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n\n", roleLabel(m.Role), strings.TrimSpace(m.Content))
	}
	b.WriteString("Assistant:")
	return b.String()
}

func roleLabel(r Role) string {
	if r == "" {
		return "User"
	}
	s := string(r)
	return strings.ToUpper(s[:1]) + s[1:]
}

// MessagesFromOpenAI converts OpenAI-style chat messages. Multi-part
// content keeps only the text parts; function and developer roles are
// folded into tool and system.
func MessagesFromOpenAI(in []openai.ChatCompletionMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		content := m.Content
		if content == "" && len(m.MultiContent) > 0 {
			var parts []string
			for _, part := range m.MultiContent {
				if part.Type == openai.ChatMessagePartTypeText {
					parts = append(parts, part.Text)
				}
			}
			content = strings.Join(parts, "\n")
		}

		role := Role(m.Role)
		switch m.Role {
		case openai.ChatMessageRoleFunction:
			role = RoleTool
		case "developer":
			role = RoleSystem
		}
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}

// Chat renders msgs with the engine's template and generates the
// assistant reply. Template stop strings are added to req.StopStrings.
func (e *Engine) Chat(ctx context.Context, msgs []Message, req ChatRequest) (*GenerationResult, error) {
	if len(msgs) == 0 {
		return nil, newError("chat", ErrInvalidArgument, "no messages", nil)
	}
	msgs = e.plugins.transformMessages(ctx, msgs)

	family := req.Template
	if family == "" {
		family = e.template
	}
	tpl, ok := templates[family]
	if !ok {
		return nil, newError("chat", ErrInvalidArgument, fmt.Sprintf("unknown chat template %q", family), nil)
	}

	return e.Generate(ctx, GenerateRequest{
		Prompt:      tpl.render(msgs),
		MaxTokens:   req.MaxTokens,
		Sampling:    req.Sampling,
		StopStrings: append(append([]string(nil), req.StopStrings...), tpl.stops...),
		Stream:      req.Stream,
		SkipSpecial: !tpl.addSpecial,
	})
}

// ChatConversation generates the next assistant turn of conv and appends
// it to the conversation.
func (e *Engine) ChatConversation(ctx context.Context, conv *Conversation, req ChatRequest) (*GenerationResult, error) {
	res, err := e.Chat(ctx, conv.Messages(), req)
	if err != nil {
		return nil, err
	}
	if err := conv.Append(Message{Role: RoleAssistant, Content: res.Text}); err != nil {
		return res, err
	}
	return res, nil
}
