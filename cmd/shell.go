package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"

	"Netlab/pkg"
)

const shellHelp = `Commands:
  nodes                                 list nodes and their interfaces
  links | net                           list links
  routes <node>                         print a node's route table
  pingall                               ping between every pair of addressed nodes
  send <node> <if> <dst> <router|-> <msg>
                                        ARP for the next hop, then send msg in a raw IPv4 packet
  recv <node> <if>                      wait for one packet sent with send
  <node> <command>                      run command inside node (node names expand to their IP)
  help                                  this text
  exit | quit                           tear the topology down and leave

Ctrl-C interrupts the running command; at the prompt it leaves.
`

// Shell reads commands line by line and runs them against a session.
type Shell struct {
	s      *pkg.Session
	in     *bufio.Scanner
	out    io.Writer
	prompt string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewShell(s *pkg.Session, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		s:      s,
		in:     bufio.NewScanner(in),
		out:    out,
		prompt: "netlab> ",
	}
}

// Interrupt cancels the command being run and reports whether there was one.
func (sh *Shell) Interrupt() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.cancel == nil {
		return false
	}
	sh.cancel()
	return true
}

func (sh *Shell) setCancel(cancel context.CancelFunc) {
	sh.mu.Lock()
	sh.cancel = cancel
	sh.mu.Unlock()
}

// Run returns at EOF or on exit.
func (sh *Shell) Run(ctx context.Context) error {
	for {
		fmt.Fprint(sh.out, sh.prompt)
		if !sh.in.Scan() {
			fmt.Fprintln(sh.out)
			return sh.in.Err()
		}
		cctx, cancel := context.WithCancel(ctx)
		sh.setCancel(cancel)
		quit := sh.handle(cctx, strings.TrimSpace(sh.in.Text()))
		sh.setCancel(nil)
		cancel()
		if quit {
			return nil
		}
	}
}

// rest returns line without its first n words, spacing of the remainder intact.
func rest(line string, n int) string {
	for i := 0; i < n; i++ {
		line = strings.TrimLeftFunc(line, unicode.IsSpace)
		if j := strings.IndexFunc(line, unicode.IsSpace); j >= 0 {
			line = line[j:]
		} else {
			line = ""
		}
	}
	return strings.TrimLeftFunc(line, unicode.IsSpace)
}

func (sh *Shell) fail(ctx context.Context, err error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		fmt.Fprintln(sh.out, "*** Interrupted")
		return
	}
	fmt.Fprintln(sh.out, "*** Error:", err)
}

func (sh *Shell) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "exit", "quit":
		fmt.Fprintln(sh.out, "Exiting...")
		return true
	case "help", "?":
		fmt.Fprint(sh.out, shellHelp)
	case "nodes":
		sh.s.ShowNodes(sh.out)
	case "links", "net":
		sh.s.ShowLinks(sh.out)
	case "routes":
		if len(fields) != 2 {
			fmt.Fprintln(sh.out, "usage: routes <node>")
			return false
		}
		table, err := sh.s.RouteTable(fields[1])
		if err != nil {
			sh.fail(ctx, err)
			return false
		}
		fmt.Fprint(sh.out, table)
	case "pingall":
		if _, err := sh.s.PingAll(ctx, sh.out); err != nil {
			sh.fail(ctx, err)
		}
	case "send":
		if len(fields) < 6 {
			fmt.Fprintln(sh.out, "usage: send <node> <if> <dst> <router|-> <msg>")
			return false
		}
		if err := sh.s.Send(ctx, fields[1], fields[2], fields[3], fields[4], rest(line, 5), sh.out); err != nil {
			sh.fail(ctx, err)
		}
	case "recv":
		if len(fields) != 3 {
			fmt.Fprintln(sh.out, "usage: recv <node> <if>")
			return false
		}
		if err := sh.s.Recv(ctx, fields[1], fields[2], sh.out); err != nil {
			sh.fail(ctx, err)
		}
	default:
		if _, err := sh.s.Live().Node(fields[0]); err != nil {
			fmt.Fprintf(sh.out, "*** Unknown command: %s\n", line)
			return false
		}
		if len(fields) == 1 {
			fmt.Fprintf(sh.out, "usage: %s <command>\n", fields[0])
			return false
		}
		res, err := sh.s.Run(ctx, fields[0], rest(line, 1), sh.out)
		if err != nil {
			sh.fail(ctx, err)
			return false
		}
		switch {
		case ctx.Err() != nil:
			fmt.Fprintln(sh.out, "*** Interrupted")
		case res.ExitCode != 0:
			fmt.Fprintf(sh.out, "*** exit status %d\n", res.ExitCode)
		}
	}
	return false
}
