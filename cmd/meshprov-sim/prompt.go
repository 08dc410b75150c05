package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/backkem/meshprov/pkg/config"
	"github.com/chzyer/readline"
	"github.com/pion/logging"
)

// prompter asks the operator for OOB values, one question at a time.
type prompter struct {
	rl *readline.Instance
	mu sync.Mutex
}

func newPrompter() (*prompter, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "oob> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &prompter{rl: rl}, nil
}

// LoggerFactory returns a logger factory that writes through the prompt
// so log lines do not garble the input line.
func (p *prompter) LoggerFactory(level string) logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.Writer = p.rl.Stderr()
	if l, err := config.ParseLogLevel(level); err == nil {
		f.DefaultLogLevel = l
	}
	return f
}

// Printf writes above the prompt.
func (p *prompter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(p.rl.Stdout(), format, args...)
}

// AskNumber reads a decimal number and passes it to enter. An interrupt
// or EOF abandons the question.
func (p *prompter) AskNumber(question string, enter func(uint32)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rl.SetPrompt(question + "> ")
	defer p.rl.SetPrompt("oob> ")
	for {
		line, err := p.rl.Readline()
		if err != nil {
			p.Printf("%s: abandoned\n", question)
			return
		}
		n, err := strconv.ParseUint(strings.TrimSpace(line), 10, 32)
		if err != nil {
			p.Printf("not a number: %q\n", line)
			continue
		}
		enter(uint32(n))
		return
	}
}

// Close restores the terminal.
func (p *prompter) Close() error {
	return p.rl.Close()
}
