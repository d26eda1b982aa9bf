// Package cli implements the terminal question-and-answer layer behind the
// fusionhub setup wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on a terminal and collects answers. Tests fill In
// and Out with a scripted reader and a buffer.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r *bufio.Reader
}

// DefaultPrompter returns a Prompter wired to stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// line reads the next answer, trimmed. EOF yields the empty string, so an
// exhausted input script behaves like a user accepting every default.
func (p *Prompter) line() string {
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	s, err := p.r.ReadString('\n')
	if err != nil && s == "" {
		return ""
	}
	return strings.TrimSpace(s)
}

// Section starts a titled group of related questions.
func (p *Prompter) Section(title string) {
	fmt.Fprintf(p.Out, "\n%s\n", title)
}

// Printf writes informational text between questions.
func (p *Prompter) Printf(format string, args ...any) {
	fmt.Fprintf(p.Out, format, args...)
}

// Ask poses a free-form question. Enter accepts the default.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal == "" {
		fmt.Fprintf(p.Out, "%s: ", question)
	} else {
		fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return defaultVal
}

// AskPassword reads an answer with terminal echo disabled. When the input is
// not a terminal (tests, piped stdin) it degrades to a plain read.
func (p *Prompter) AskPassword(question string) string {
	fmt.Fprintf(p.Out, "%s: ", question)
	f, ok := p.In.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p.line()
	}
	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(p.Out)
	if err != nil {
		return p.line()
	}
	return strings.TrimSpace(string(b))
}

// AskInt poses a question whose answer must be a positive integer, re-asking
// until it gets one. Enter accepts the default.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	for {
		ans := p.Ask(question, strconv.Itoa(defaultVal))
		if n, err := strconv.Atoi(ans); err == nil && n > 0 {
			return n
		}
		fmt.Fprintln(p.Out, "  Enter a whole number greater than zero.")
	}
}

// Choose lists options numbered from 1 and returns the chosen one. Enter
// picks the default, which is marked in the listing.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		suffix := ""
		if i == defaultIdx {
			suffix = " (default)"
		}
		fmt.Fprintf(p.Out, "  %d) %s%s\n", i+1, opt, suffix)
	}
	for {
		ans := p.Ask("Select", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.Out, "  Enter a number from 1 to %d.\n", len(options))
	}
}

// Confirm poses a yes/no question. Enter picks the default.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	fmt.Fprintf(p.Out, "%s [%s]: ", question, hint)
	switch strings.ToLower(p.line()) {
	case "y", "yes":
		return true
	case "":
		return defaultYes
	default:
		return false
	}
}
