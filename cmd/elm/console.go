package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elmops/elm/internal/meeting"
	"github.com/elmops/elm/internal/proto"
	"github.com/elmops/elm/internal/session"
)

// syncWriter serializes writes from the console and from store callbacks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// console drives a meeting replica from text commands.
type console struct {
	replica session.Replica[meeting.State]
	out     io.Writer
	clock   func() time.Time
	extra   map[string]func(ctx context.Context, args []string) error
}

func newConsole(r session.Replica[meeting.State], out io.Writer) *console {
	return &console{replica: r, out: out, clock: time.Now, extra: map[string]func(context.Context, []string) error{}}
}

func (c *console) help() {
	names := []string{"help", "state", "start", "stop", "next", "prev", "phase <n>", "quit"}
	extras := make([]string, 0, len(c.extra))
	for name := range c.extra {
		extras = append(extras, name)
	}
	sort.Strings(extras)
	names = append(names, extras...)
	fmt.Fprintf(c.out, "commands: %s\n", strings.Join(names, ", "))
}

// execute runs one command line and reports whether the console should
// exit.
func (c *console) execute(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	var (
		action proto.Action
		err    error
	)
	switch cmd {
	case "quit", "exit", "leave":
		return true, nil
	case "help", "?":
		c.help()
		return false, nil
	case "state":
		printState(c.out, c.replica.State(), 0)
		return false, nil
	case "start":
		action, err = meeting.Start(c.clock())
	case "stop":
		action, err = meeting.Stop(c.clock())
	case "next", "prev":
		m := c.replica.State().Meeting
		if m == nil {
			return false, meeting.ErrNoMeeting
		}
		step := 1
		if cmd == "prev" {
			step = -1
		}
		action, err = meeting.UpdatePhase(m.CurrentPhase + step)
	case "phase":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: phase <n>")
		}
		n, perr := strconv.Atoi(args[0])
		if perr != nil {
			return false, fmt.Errorf("phase %q: not a number", args[0])
		}
		action, err = meeting.UpdatePhase(n)
	default:
		if fn, ok := c.extra[cmd]; ok {
			return false, fn(ctx, args)
		}
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
	if err != nil {
		return false, err
	}
	return false, c.replica.Dispatch(ctx, action)
}

// loop reads commands until quit, ctx is done or input ends. Once input
// ends it keeps waiting for ctx so a detached host stays up.
func (c *console) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			quit, err := c.execute(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

func printState(w io.Writer, s meeting.State, version uint64) {
	m := s.Meeting
	if m == nil {
		fmt.Fprintln(w, "no meeting yet")
		return
	}
	var b strings.Builder
	if version > 0 {
		fmt.Fprintf(&b, "[v%d] ", version)
	}
	fmt.Fprintf(&b, "%s", m.Template.Name)
	if p, ok := m.Phase(); ok {
		fmt.Fprintf(&b, " phase %d/%d %q (%ds)", m.CurrentPhase+1, len(m.Template.Phases), p.Name, p.Duration)
	}
	if m.IsActive {
		b.WriteString(" running")
	} else {
		b.WriteString(" stopped")
	}
	names := make([]string, 0, len(m.Participants))
	for _, p := range m.Participants {
		name := p.Name
		if p.IsHost {
			name += "*"
		}
		names = append(names, name)
	}
	fmt.Fprintf(&b, " participants: %s", strings.Join(names, ", "))
	fmt.Fprintln(w, b.String())
}
