// Package term is an interactive console for poking at a target without a
// DAP client: halting, stepping, memory and register access.
package term

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-faster/errors"
)

const (
	keyCtrlC     = 3
	keyCtrlD     = 4
	keyEscape    = 27
	keyBackspace = 127

	maxHistory = 100
)

var (
	escRed   = []byte{keyEscape, '[', '3', '1', 'm'}
	escReset = []byte{keyEscape, '[', '0', 'm'}

	keyUp     = []byte{keyEscape, '[', 'A'}
	keyDown   = []byte{keyEscape, '[', 'B'}
	keyLeft   = []byte{keyEscape, '[', 'D'}
	keyRight  = []byte{keyEscape, '[', 'C'}
	keyHome   = []byte{keyEscape, '[', 'H'}
	keyEnd    = []byte{keyEscape, '[', 'F'}
	keyDelete = []byte{keyEscape, '[', '3', '~'}

	crlf = []byte{'\r', '\n'}
)

// crlfWriter turns line feeds into the CR LF pairs a raw terminal needs.
type crlfWriter struct {
	w io.Writer
}

func (w crlfWriter) Write(p []byte) (int, error) {
	if _, err := w.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, crlf)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Term is a line editor with history in front of the console commands.
type Term struct {
	rw     io.ReadWriter
	r      *bufio.Reader
	prompt string
	cmd    *Commands

	line []rune
	pos  int

	history []string
	// hpos is the history entry being edited; len(history) is the new line.
	hpos int
}

// New returns a console on rw. The output of cmd is redirected to rw.
func New(rw io.ReadWriter, prompt string, cmd *Commands) *Term {
	cmd.out = crlfWriter{rw}
	return &Term{
		rw:     rw,
		r:      bufio.NewReaderSize(rw, 256),
		prompt: prompt,
		cmd:    cmd,
	}
}

// Run reads and runs commands until exit or end of input. initCmds is a
// semicolon-separated list run first.
func (t *Term) Run(ctx context.Context, initCmds string) error {
	for _, line := range strings.Split(initCmds, ";") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := t.cmd.Process(ctx, line); err != nil {
			if errors.Is(err, io.EOF) {
				return t.cmd.Close()
			}
			t.failed(err)
		}
	}
	for ctx.Err() == nil {
		t.cmd.Report()
		line, err := t.readLine()
		if errors.Is(err, io.EOF) {
			t.rw.Write(crlf)
			break
		}
		if err != nil {
			t.failed(errors.Wrap(err, "read line"))
			t.r.Reset(t.rw)
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := t.cmd.Process(ctx, line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.failed(err)
		}
	}
	return t.cmd.Close()
}

func (t *Term) failed(err error) {
	fmt.Fprintf(crlfWriter{t.rw}, "%sCommand failed: %s%s\n", escRed, err, escReset)
}

func (t *Term) readLine() (string, error) {
	t.line = t.line[:0]
	t.pos = 0
	t.hpos = len(t.history)
	if _, err := io.WriteString(t.rw, t.prompt); err != nil {
		return "", err
	}
	for {
		b, err := t.r.Peek(1)
		if err != nil {
			return "", err
		}
		if b[0] == keyEscape {
			if err := t.handleEscape(); err != nil {
				return "", err
			}
			continue
		}

		r, _, err := t.r.ReadRune()
		if err != nil {
			return "", err
		}
		switch r {
		case keyCtrlC, keyCtrlD:
			return "", io.EOF
		case keyBackspace:
			if t.pos == 0 {
				continue
			}
			if err := t.moveCursor(t.pos - 1); err != nil {
				return "", err
			}
			if err := t.eraseChar(); err != nil {
				return "", err
			}
		case '\r':
		case '\n':
			if _, err := t.rw.Write(crlf); err != nil {
				return "", err
			}
			line := string(t.line)
			t.appendHistory(line)
			return line, nil
		default:
			if err := t.insert(r); err != nil {
				return "", err
			}
		}
	}
}

func (t *Term) handleEscape() error {
	var seq []byte
	for {
		c, err := t.r.ReadByte()
		if err != nil {
			return err
		}
		seq = append(seq, c)
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '~' {
			break
		}
	}

	switch {
	case bytes.Equal(seq, keyUp):
		if t.hpos == 0 {
			return t.beep()
		}
		t.hpos--
		return t.replaceLine(t.history[t.hpos])
	case bytes.Equal(seq, keyDown):
		if t.hpos >= len(t.history) {
			return t.beep()
		}
		t.hpos++
		if t.hpos == len(t.history) {
			return t.replaceLine("")
		}
		return t.replaceLine(t.history[t.hpos])
	case bytes.Equal(seq, keyLeft):
		return t.moveCursor(t.pos - 1)
	case bytes.Equal(seq, keyRight):
		return t.moveCursor(t.pos + 1)
	case bytes.Equal(seq, keyHome):
		return t.moveCursor(0)
	case bytes.Equal(seq, keyEnd):
		return t.moveCursor(len(t.line))
	case bytes.Equal(seq, keyDelete):
		return t.eraseChar()
	}
	return nil
}

func (t *Term) appendHistory(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if n := len(t.history); n > 0 && t.history[n-1] == line {
		return
	}
	t.history = append(t.history, line)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
}

// insert puts r at the cursor and redraws the rest of the line.
func (t *Term) insert(r rune) error {
	t.line = append(t.line, 0)
	copy(t.line[t.pos+1:], t.line[t.pos:])
	t.line[t.pos] = r
	next := t.pos + 1
	if _, err := io.WriteString(t.rw, string(t.line[t.pos:])); err != nil {
		return err
	}
	t.pos = len(t.line)
	return t.moveCursor(next)
}

func (t *Term) replaceLine(line string) error {
	if err := t.moveCursor(0); err != nil {
		return err
	}
	if _, err := t.rw.Write([]byte{keyEscape, '[', 'K'}); err != nil {
		return err
	}
	t.line = append(t.line[:0], []rune(line)...)
	t.pos = len(t.line)
	_, err := io.WriteString(t.rw, line)
	return err
}

func (t *Term) moveCursor(pos int) error {
	pos = max(0, min(pos, len(t.line)))
	diff := pos - t.pos
	if diff == 0 {
		return nil
	}
	var err error
	if diff < 0 {
		_, err = fmt.Fprintf(t.rw, "\x1b[%dD", -diff)
	} else {
		_, err = fmt.Fprintf(t.rw, "\x1b[%dC", diff)
	}
	if err == nil {
		t.pos = pos
	}
	return err
}

// eraseChar deletes the character under the cursor.
func (t *Term) eraseChar() error {
	if t.pos >= len(t.line) {
		return nil
	}
	if _, err := t.rw.Write([]byte{keyEscape, '[', 'P'}); err != nil {
		return err
	}
	t.line = append(t.line[:t.pos], t.line[t.pos+1:]...)
	return nil
}

func (t *Term) beep() error {
	_, err := t.rw.Write([]byte{'\a'})
	return err
}
