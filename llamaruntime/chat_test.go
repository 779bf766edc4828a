package llamaruntime

import (
	"context"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestInferTemplate(t *testing.T) {
	tests := []struct {
		name string
		want TemplateFamily
	}{
		{"Meta-Llama-3-8B-Instruct.Q4_K_M", TemplateLlama3},
		{"mistral-7b-instruct-v0.2", TemplateInst},
		{"llama-2-13b-chat", TemplateInst},
		{"qwen2-1_5b-instruct", TemplateChatML},
		{"Hermes-2-Pro", TemplateChatML},
		{"tinystories", TemplateGeneric},
	}
	for _, tt := range tests {
		if got := InferTemplate(tt.name); got != tt.want {
			t.Errorf("InferTemplate(%q): expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestRenderChat(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "Be brief."},
		{Role: RoleUser, Content: "Hi"},
		{Role: RoleAssistant, Content: "Hello."},
		{Role: RoleUser, Content: "Bye"},
	}

	tests := []struct {
		family TemplateFamily
		want   string
		stop   string
	}{
		{
			TemplateInst,
			"<s>[INST] <<SYS>>\nBe brief.\n<</SYS>>\n\nHi [/INST] Hello. </s><s>[INST] Bye [/INST]",
			"</s>",
		},
		{
			TemplateChatML,
			"<|im_start|>system\nBe brief.<|im_end|>\n<|im_start|>user\nHi<|im_end|>\n" +
				"<|im_start|>assistant\nHello.<|im_end|>\n<|im_start|>user\nBye<|im_end|>\n<|im_start|>assistant\n",
			"<|im_end|>",
		},
		{
			TemplateLlama3,
			"<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n\nBe brief.<|eot_id|>" +
				"<|start_header_id|>user<|end_header_id|>\n\nHi<|eot_id|>" +
				"<|start_header_id|>assistant<|end_header_id|>\n\nHello.<|eot_id|>" +
				"<|start_header_id|>user<|end_header_id|>\n\nBye<|eot_id|>" +
				"<|start_header_id|>assistant<|end_header_id|>\n\n",
			"<|eot_id|>",
		},
		{
			TemplateGeneric,
			"System: Be brief.\n\nUser: Hi\n\nAssistant: Hello.\n\nUser: Bye\n\nAssistant:",
			"\nUser:",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.family), func(t *testing.T) {
			got, stops, err := RenderChat(tt.family, msgs)
			if err != nil {
				t.Fatalf("RenderChat: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected\n%q\ngot\n%q", tt.want, got)
			}
			if stops[0] != tt.stop {
				t.Errorf("expected first stop %q, got %q", tt.stop, stops[0])
			}
		})
	}

	if _, _, err := RenderChat("alpaca", msgs); err == nil {
		t.Error("expected an error for an unknown family")
	}
}

func TestMessagesFromOpenAI(t *testing.T) {
	in := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "sys"},
		{Role: openai.ChatMessageRoleUser, MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "look"},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "http://x"}},
			{Type: openai.ChatMessagePartTypeText, Text: "here"},
		}},
		{Role: openai.ChatMessageRoleFunction, Content: "42"},
	}

	got := MessagesFromOpenAI(in)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Role != RoleSystem || got[0].Content != "sys" {
		t.Errorf("unexpected system message %+v", got[0])
	}
	if got[1].Content != "look\nhere" {
		t.Errorf("expected text parts joined, got %q", got[1].Content)
	}
	if got[2].Role != RoleTool {
		t.Errorf("expected function role mapped to tool, got %s", got[2].Role)
	}
}

func TestChat_UsesTemplateAndStops(t *testing.T) {
	api := newFakeAPI()
	api.scriptText("Sure<|im_end|>ignored")
	cfg := testConfig(t)
	cfg.ChatTemplate = "chatml"
	te := newTestEngine(t, cfg, api)

	res, err := te.Chat(context.Background(), []Message{{Role: RoleUser, Content: "Help?"}}, ChatRequest{MaxTokens: 40})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "Sure" {
		t.Errorf("expected Sure, got %q", res.Text)
	}
	if res.StopString != "<|im_end|>" {
		t.Errorf("expected template stop, got %q", res.StopString)
	}

	// chatml keeps BOS; the prompt carries the rendered markup. The prompt
	// spans several batches and ends at the first one asking for logits.
	var prompt []int32
	for _, d := range api.decodes {
		prompt = append(prompt, d.tokens...)
		if d.logits[len(d.logits)-1] {
			break
		}
	}
	if prompt[0] != fakeBOS {
		t.Errorf("expected BOS first, got %d", prompt[0])
	}
	var sb strings.Builder
	for _, tok := range prompt[1:] {
		sb.WriteByte(byte(tok))
	}
	if !strings.HasPrefix(sb.String(), "<|im_start|>user\nHelp?<|im_end|>\n<|im_start|>assistant\n") {
		t.Errorf("expected chatml prompt, got %q", sb.String())
	}
}

func TestChat_InstSkipsBOS(t *testing.T) {
	api := newFakeAPI()
	api.script = []int32{fakeEOS}
	cfg := testConfig(t)
	cfg.ModelPath = writeGGUF(t, "mistral-7b.gguf")
	te := newTestEngine(t, cfg, api)

	if te.ModelInfo().Template != TemplateInst {
		t.Fatalf("expected inferred inst template, got %s", te.ModelInfo().Template)
	}
	if _, err := te.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, ChatRequest{MaxTokens: 2}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if first := api.decodes[0].tokens[0]; first != '<' {
		t.Errorf("expected the markup's own <s> instead of an added BOS, got %d", first)
	}
}

func TestChatConversation_AppendsReply(t *testing.T) {
	api := newFakeAPI()
	api.scriptText("pong")
	api.script = append(api.script, fakeEOS)
	te := newTestEngine(t, testConfig(t), api)

	conv, err := NewConversation(te, 100)
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	conv.Append(Message{Role: RoleUser, Content: "ping"})

	res, err := te.ChatConversation(context.Background(), conv, ChatRequest{MaxTokens: 10})
	if err != nil {
		t.Fatalf("ChatConversation: %v", err)
	}
	if res.Text != "pong" {
		t.Errorf("expected pong, got %q", res.Text)
	}
	msgs := conv.Messages()
	if len(msgs) != 2 || msgs[1].Role != RoleAssistant || msgs[1].Content != "pong" {
		t.Errorf("expected assistant reply appended, got %+v", msgs)
	}
}
