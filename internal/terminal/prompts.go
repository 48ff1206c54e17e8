package terminal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// IsTerminal returns true if stdin is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Prompter asks questions on In/Out. Interactive is false when In is not a
// terminal, in which case every prompt returns its default.
type Prompter struct {
	In          io.Reader
	Out         io.Writer
	Interactive bool

	reader *bufio.Reader
}

// Stdio returns a prompter on the process's stdin and stderr.
func Stdio() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stderr, Interactive: IsTerminal()}
}

func (p *Prompter) readLine() (string, error) {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	input, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(input), nil
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) (bool, error) {
	if !p.Interactive {
		return defaultYes, nil
	}

	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(p.Out, "%s [%s]: ", question, hint)
		input, err := p.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(input) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(p.Out, "Please answer y or n")
	}
}

// PromptChoice displays a numbered menu and returns the selected index (0-based).
// The prompt includes a default option that is selected if the user presses Enter.
func (p *Prompter) PromptChoice(question string, options []string, defaultIndex int) (int, error) {
	if !p.Interactive {
		return defaultIndex, nil
	}

	fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		fmt.Fprintf(p.Out, "  %d. %s\n", i+1, opt)
	}

	for {
		fmt.Fprintf(p.Out, "Selection [%d]: ", defaultIndex+1)
		input, err := p.readLine()
		if err != nil {
			return 0, err
		}

		// Default selection
		if input == "" {
			return defaultIndex, nil
		}

		// Parse selection
		num, err := strconv.Atoi(input)
		if err != nil || num < 1 || num > len(options) {
			fmt.Fprintf(p.Out, "Please enter a number between 1 and %d\n", len(options))
			continue
		}

		return num - 1, nil
	}
}
