// Package cli provides interactive terminal prompts for the agentwire
// command-line tools: key file passphrases and confirmations.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// MinPassphraseLength is the shortest passphrase AskNewPassphrase accepts.
const MinPassphraseLength = 8

// ErrNoInput is returned when input ends before an answer is read.
var ErrNoInput = errors.New("no input")

// Prompter handles interactive terminal prompts.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin and stderr, keeping
// stdout free for command output.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stderr}
}

// IsTerminal reports whether the prompter reads from a terminal.
func (p *Prompter) IsTerminal() bool {
	f, ok := p.In.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Prompter) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	return p.scanner
}

// readLine reads a single trimmed line from the scanner.
func (p *Prompter) readLine() (string, bool) {
	if p.scan().Scan() {
		return strings.TrimSpace(p.scan().Text()), true
	}
	return "", false
}

// Ask prints a question with a default value and reads one line.
// Returns the default if the user presses Enter without typing.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskPassword reads a line without echoing. Falls back to plain read if
// stdin is not a terminal (e.g. during tests or piped input).
func (p *Prompter) AskPassword(question string) (string, error) {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out) // newline after hidden input
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, ok := p.readLine()
	if !ok {
		return "", ErrNoInput
	}
	return line, nil
}

// AskNewPassphrase asks for a passphrase twice and returns it once both
// entries match and it is long enough. It gives up after three attempts.
func (p *Prompter) AskNewPassphrase(question string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		first, err := p.AskPassword(question)
		if err != nil {
			return "", err
		}
		if len(first) < MinPassphraseLength {
			_, _ = fmt.Fprintf(p.Out, "  Passphrase must be at least %d characters.\n", MinPassphraseLength)
			continue
		}
		second, err := p.AskPassword("Repeat passphrase")
		if err != nil {
			return "", err
		}
		if first != second {
			_, _ = fmt.Fprintln(p.Out, "  Passphrases do not match.")
			continue
		}
		return first, nil
	}
	return "", errors.New("no valid passphrase entered")
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
