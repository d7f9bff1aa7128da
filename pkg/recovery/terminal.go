package recovery

import (
    "bufio"
    "fmt"
    "io"
    "os"
    "strings"

    "github.com/fatih/color"
    "github.com/mattn/go-isatty"
)

// Terminal is the operator's console.
type Terminal interface {
    Printf(format string, args ...any)
    // Warn prints a message that must not be overlooked.
    Warn(msg string)
    // ReadLine prints prompt and returns one line without its line ending.
    ReadLine(prompt string) (string, error)
}

type console struct {
    in   *bufio.Reader
    out  io.Writer
    warn *color.Color
}

// NewTerminal reads answers from in and writes to out. Warnings are
// highlighted when out is a terminal.
func NewTerminal(in io.Reader, out io.Writer) Terminal {
    warn := color.New(color.FgRed, color.Bold)
    if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
        warn.EnableColor()
    } else {
        warn.DisableColor()
    }
    return &console{in: bufio.NewReader(in), out: out, warn: warn}
}

func (c *console) Printf(format string, args ...any) { fmt.Fprintf(c.out, format, args...) }

func (c *console) Warn(msg string) { c.warn.Fprintln(c.out, msg) }

func (c *console) ReadLine(prompt string) (string, error) {
    fmt.Fprint(c.out, prompt)
    line, err := c.in.ReadString('\n')
    if err != nil && (err != io.EOF || line == "") { return "", err }
    return strings.TrimRight(line, "\r\n"), nil
}

const confirmPrompt = "Confirm [y/N] "

// Confirm asks for the operator's go-ahead. Any answer other than "y" or
// "Y", and a closed input, fails with ErrAbortedByUser.
func Confirm(t Terminal) error {
    answer, err := t.ReadLine(confirmPrompt)
    if err != nil { return fail(KindAbortedByUser, fmt.Errorf("no answer: %w", err)) }
    if !confirmed(answer) { return fail(KindAbortedByUser, nil) }
    return nil
}

// confirmed accepts exactly "y" or "Y"; anything else, including blanks
// around the letter, is a refusal.
func confirmed(answer string) bool { return answer == "y" || answer == "Y" }
