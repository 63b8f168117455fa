package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/chat"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/logging"
)

// printer renders state changes as lines. It remembers what it already
// printed so every snapshot only adds the difference.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	seen        map[string]bool
	status      livechat.SessionStatus
	agent       string
	position    int
	agentTyping bool
	connection  string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: map[string]bool{}, position: -1}
}

func (p *printer) update(st chat.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c := st.Connection.String(); c != p.connection {
		p.connection = c
		fmt.Fprintf(p.out, "* connection %s\n", c)
	}
	if s := st.Session; s != nil {
		if s.Status != p.status || s.AssignedAgentName != p.agent {
			p.status = s.Status
			p.agent = s.AssignedAgentName
			if p.agent != "" {
				fmt.Fprintf(p.out, "* status %s (agent %s)\n", p.status, p.agent)
			} else {
				fmt.Fprintf(p.out, "* status %s\n", p.status)
			}
		}
	}
	if q := st.Queue; q != nil && q.Position != p.position {
		p.position = q.Position
		if wait := q.EstimatedWait(); wait > 0 {
			fmt.Fprintf(p.out, "* queue position %d (about %s)\n", q.Position, wait)
		} else {
			fmt.Fprintf(p.out, "* queue position %d\n", q.Position)
		}
	}
	for _, m := range st.Messages {
		// Optimistic entries are printed once the server confirms them.
		if p.seen[m.ID] || strings.HasPrefix(m.ID, "local-") {
			continue
		}
		p.seen[m.ID] = true
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), senderLabel(m), m.Content)
	}
	if st.AgentTyping != p.agentTyping {
		p.agentTyping = st.AgentTyping
		if st.AgentTyping {
			fmt.Fprintln(p.out, "* agent is typing")
		}
	}
}

func senderLabel(m livechat.ChatMessage) string {
	switch m.SenderType {
	case livechat.SenderVisitor:
		return "You"
	case livechat.SenderAgent:
		if m.SenderName != "" {
			return m.SenderName
		}
		return "Agent"
	case livechat.SenderBot:
		return "Bot"
	}
	return "System"
}

// runFollow prints live updates and sends every stdin line as a message until
// stdin closes, ctx ends or the chat reaches a terminal status. "/end [rating]
// [feedback]" ends the chat and "/read" marks messages read.
func runFollow(ctx context.Context, w *widget, in io.Reader, out io.Writer) error {
	if s := w.ctrl.State().Session; s != nil {
		ctx = logging.WithSessionID(ctx, s.ID)
	}
	log := logging.FromContext(ctx, w.log)

	p := newPrinter(out)
	finished := make(chan struct{})
	var finishOnce sync.Once
	cancel := w.ctrl.Watch(func(st chat.State) {
		p.update(st)
		if st.Session != nil && st.Session.Status.Terminal() {
			finishOnce.Do(func() { close(finished) })
		}
	})
	defer cancel()
	p.update(w.ctrl.State())

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
			return nil
		case <-finished:
			fmt.Fprintln(out, "* chat ended by the other side (run `chatwidget end --rating N` to rate it)")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleLine(ctx, w, line)
			if err != nil {
				log.Warn("command failed", "error", err)
				fmt.Fprintln(out, "! "+err.Error())
			}
			if done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, w *widget, line string) (done bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/read":
		return false, w.ctrl.MarkRead(ctx)
	case line == "/end" || strings.HasPrefix(line, "/end "):
		rating, feedback, err := parseEnd(strings.TrimSpace(strings.TrimPrefix(line, "/end")))
		if err != nil {
			return false, err
		}
		if err := w.ctrl.EndChat(ctx, rating, feedback); err != nil {
			return false, err
		}
		return true, nil
	default:
		_, err := w.ctrl.SendMessage(ctx, line)
		return false, err
	}
}

// parseEnd splits "[rating] [feedback...]".
func parseEnd(args string) (*int, string, error) {
	if args == "" {
		return nil, "", nil
	}
	first, rest, _ := strings.Cut(args, " ")
	n, err := strconv.Atoi(first)
	if err != nil {
		return nil, args, nil
	}
	if n < 1 || n > 5 {
		return nil, "", chat.ErrInvalidRating
	}
	return &n, strings.TrimSpace(rest), nil
}
