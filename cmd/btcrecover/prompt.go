// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcrecovery/recovery"
	"golang.org/x/term"
)

// cancelWord aborts a prompt.
const cancelWord = "cancel"

// line is a line read from the terminal.
type line struct {
	text string
	err  error
}

// termPrompter asks the user for verification codes and hardware readiness
// on the terminal. Reading happens on a single goroutine so that a prompt
// abandoned through its context does not race the next one.
type termPrompter struct {
	in  io.Reader
	out io.Writer

	startOnce sync.Once
	lines     chan line
}

// A compile-time check that termPrompter is a recovery.Prompter.
var _ recovery.Prompter = (*termPrompter)(nil)

// newTermPrompter creates a prompter reading from in and writing to out.
func newTermPrompter(in io.Reader, out io.Writer) *termPrompter {
	return &termPrompter{
		in:    in,
		out:   out,
		lines: make(chan line),
	}
}

// readLoop feeds lines until the input is exhausted.
func (p *termPrompter) readLoop() {
	defer close(p.lines)

	r := bufio.NewReader(p.in)
	for {
		text, err := r.ReadString('\n')
		text = strings.TrimSpace(text)

		if err != nil {
			// A final line without newline still counts.
			if text != "" {
				p.lines <- line{text: text}
			}

			if !errors.Is(err, io.EOF) {
				p.lines <- line{err: err}
			}

			return
		}

		p.lines <- line{text: text}
	}
}

// readLine waits for the next line. An empty line, the cancel word or the end
// of the input abort the prompt.
func (p *termPrompter) readLine(ctx context.Context) (string, error) {
	p.startOnce.Do(func() {
		go p.readLoop()
	})

	select {
	case l, ok := <-p.lines:
		switch {
		case !ok:
			return "", recovery.ErrUserCancelled

		case l.err != nil:
			return "", l.err

		case l.text == "", strings.EqualFold(l.text, cancelWord):
			return "", recovery.ErrUserCancelled
		}

		return l.text, nil

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// EnterCode asks for the code sent to tp.
func (p *termPrompter) EnterCode(ctx context.Context, tp recovery.Touchpoint,
	purpose recovery.Purpose) (string, error) {

	fmt.Fprintf(p.out, "A verification code for the recovery %v was sent "+
		"to your %v %s.\nEnter the code (or %q): ", purpose, tp.Kind,
		tp.Value, cancelWord)

	code, err := p.readLine(ctx)
	if err != nil {
		return "", err
	}

	return code, nil
}

// ConfirmHardwareReady waits until the user confirms the replacement device
// is connected.
func (p *termPrompter) ConfirmHardwareReady(ctx context.Context) error {
	fmt.Fprintf(p.out, "Connect and unlock your hardware device, then type "+
		"\"ok\" (or %q): ", cancelWord)

	_, err := p.readLine(ctx)

	return err
}

// readPassphrase reads the vault passphrase without echo when stdin is a
// terminal.
func readPassphrase(out io.Writer, prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no terminal to read the vault " +
			"passphrase from, set --vaultpass")
	}

	fmt.Fprint(out, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(out)

	if err != nil {
		return nil, err
	}

	if len(pass) == 0 {
		return nil, errors.New("empty vault passphrase")
	}

	return pass, nil
}
