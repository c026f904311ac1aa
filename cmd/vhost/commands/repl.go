package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tcp-engine/pkg/host"
)

// replHost is the part of a host the REPL drives.
type replHost interface {
	Write(data []byte) int
	Read(n int) []byte
	Close()
	Status() host.Status
	Done() <-chan struct{}
}

const replHelp = `Commands:
  s <data>  send data on the connection
  r <n>     read up to n bytes
  cl        close the sending side
  ls        show the connection
  q         quit`

func runREPL(ctx context.Context, in io.Reader, out io.Writer, h replHost) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "Enter command:")
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
			fmt.Fprintln(out, "Connection closed")
			return
		case userInput, ok := <-lines:
			if !ok || !execute(userInput, out, h) {
				return
			}
		}
	}
}

// execute runs one command line and reports whether the REPL should go on.
func execute(userInput string, out io.Writer, h replHost) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(userInput), " ")
	switch cmd {
	case "":
	case "s":
		if arg == "" {
			fmt.Fprintln(out, "Usage: s <data>")
			break
		}
		n := h.Write([]byte(arg))
		fmt.Fprintf(out, "Sent %d bytes\n", n)
	case "r":
		numBytes, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || numBytes <= 0 {
			fmt.Fprintln(out, "Usage: r <n>")
			break
		}
		data := h.Read(numBytes)
		fmt.Fprintf(out, "Read %d bytes: %s\n", len(data), data)
	case "cl":
		h.Close()
		fmt.Fprintln(out, "Closed sending side")
	case "ls":
		fmt.Fprintln(out, h.Status())
	case "q":
		return false
	case "h", "help":
		fmt.Fprintln(out, replHelp)
	default:
		fmt.Fprintln(out, "Invalid command.")
	}
	return true
}
