package llamaruntime

import (
	"fmt"
	"sync"
)

// Tokenizer converts between text and tokens. *Engine implements it.
type Tokenizer interface {
	Tokenize(text string, addSpecial bool) ([]int32, error)
	Detokenize(tokens []int32) (string, error)
}

type turn struct {
	msg    Message
	tokens []int32
}

// Conversation is an append-only chat log kept within a token budget.
// When the budget is exceeded the oldest turns are dropped first; a
// leading system message is pinned and only dropped when it alone
// exceeds the budget. A single turn larger than the remaining budget
// keeps only its most recent tokens.
type Conversation struct {
	mu     sync.Mutex
	tok    Tokenizer
	budget int
	turns  []turn
	pinned bool
	total  int
}

// NewConversation returns an empty conversation holding at most budget
// tokens of message content.
func NewConversation(tok Tokenizer, budget int) (*Conversation, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("%w: conversation budget %d must be > 0", ErrInvalidArgument, budget)
	}
	return &Conversation{tok: tok, budget: budget}, nil
}

// Append tokenizes msg, adds it and trims the log to the budget.
func (c *Conversation) Append(msg Message) error {
	tokens, err := c.tok.Tokenize(msg.Content, false)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.turns) == 0 && msg.Role == RoleSystem {
		c.pinned = true
	}
	c.turns = append(c.turns, turn{msg: msg, tokens: tokens})
	c.total += len(tokens)
	return c.truncate()
}

// truncate enforces the budget. c.mu must be held.
func (c *Conversation) truncate() error {
	for c.total > c.budget {
		first := 0
		if c.pinned {
			first = 1
		}
		// Drop whole turns while something older than the newest remains.
		if len(c.turns)-first > 1 {
			c.total -= len(c.turns[first].tokens)
			c.turns = append(c.turns[:first], c.turns[first+1:]...)
			continue
		}

		room := c.budget
		if c.pinned && len(c.turns) > 1 {
			room -= len(c.turns[0].tokens)
		}
		if room <= 0 {
			// The pinned system message alone overflows; release it.
			c.pinned = false
			continue
		}
		return c.trimLast(room)
	}
	return nil
}

// trimLast keeps the last room tokens of the newest turn.
func (c *Conversation) trimLast(room int) error {
	last := &c.turns[len(c.turns)-1]
	kept := append([]int32(nil), last.tokens[len(last.tokens)-room:]...)
	text, err := c.tok.Detokenize(kept)
	if err != nil {
		return err
	}
	c.total -= len(last.tokens) - len(kept)
	last.tokens = kept
	last.msg.Content = text
	return nil
}

// Clone returns an independent copy of the conversation. Appending to
// either leaves the other unchanged.
func (c *Conversation) Clone() *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Conversation{
		tok:    c.tok,
		budget: c.budget,
		turns:  append([]turn(nil), c.turns...),
		pinned: c.pinned,
		total:  c.total,
	}
}

// Messages returns the turns currently inside the budget.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.turns))
	for i, t := range c.turns {
		out[i] = t.msg
	}
	return out
}

// Tokens returns the concatenated content tokens of the kept turns.
func (c *Conversation) Tokens() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int32, 0, c.total)
	for _, t := range c.turns {
		out = append(out, t.tokens...)
	}
	return out
}

// TokenCount returns the number of content tokens kept.
func (c *Conversation) TokenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len returns the number of kept turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}
