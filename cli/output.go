package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"llamacore/llamaruntime"
)

// palette holds the colors used for terminal output.
type palette struct {
	prompt *color.Color
	reply  *color.Color
	dim    *color.Color
	warn   *color.Color
	err    *color.Color
	key    *color.Color
	ok     *color.Color
}

func newPalette(noColor bool) palette {
	p := palette{
		prompt: color.New(color.FgGreen, color.Bold),
		reply:  color.New(color.FgCyan),
		dim:    color.New(color.FgHiBlack),
		warn:   color.New(color.FgYellow),
		err:    color.New(color.FgRed, color.Bold),
		key:    color.New(color.FgWhite, color.Bold),
		ok:     color.New(color.FgGreen),
	}
	if noColor {
		for _, c := range []*color.Color{p.prompt, p.reply, p.dim, p.warn, p.err, p.key, p.ok} {
			c.DisableColor()
		}
	}
	return p
}

// streamTo returns a StreamFunc that writes every fragment to w in c.
func streamTo(w io.Writer, c *color.Color) llamaruntime.StreamFunc {
	return func(fragment string) error {
		_, err := c.Fprint(w, fragment)
		return err
	}
}

// printSummary writes the one-line generation summary to w.
func (a *app) printSummary(w io.Writer, res *llamaruntime.GenerationResult) {
	a.colors.dim.Fprintf(w, "[%d prompt + %d generated tokens, %.1f tok/s, %s",
		res.TokensPrompt, res.TokensGenerated, res.TokensPerSecond, res.FinishReason)
	if res.StopString != "" {
		a.colors.dim.Fprintf(w, " on %q", res.StopString)
	}
	a.colors.dim.Fprintln(w, "]")

	switch res.FinishReason {
	case llamaruntime.FinishError:
		a.colors.warn.Fprintf(w, "warning: decode failed after %d tokens (code %d); output is partial\n",
			res.TokensGenerated, res.DecodeCode)
	case llamaruntime.FinishCancelled:
		a.colors.warn.Fprintln(w, "warning: cancelled; output is partial")
	}
}

// printKV writes aligned "key: value" rows.
func (a *app) printKV(w io.Writer, rows [][2]string) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	for _, r := range rows {
		a.colors.key.Fprintf(w, "%-*s", width+1, r[0]+":")
		fmt.Fprintf(w, " %s\n", r[1])
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
