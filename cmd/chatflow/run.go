package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/pkg/schema"
)

// runChat plays a flow as a console conversation. Bot messages are printed
// as they are sent; each question reads one line from in.
func runChat(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(out)
	clockMode := fs.String("clock", "real", "clock mode: real or mock (mock skips delays)")
	channel := fs.String("channel", "", "channel override")
	varsFlag := fs.String("vars", "", `initial variables as JSON, or @file`)
	realHTTP := fs.Bool("http", false, "send api-node requests over the network")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := readFlow(fs.Arg(0), in)
	if err != nil {
		return err
	}
	vars, err := parseVars(*varsFlag)
	if err != nil {
		return err
	}
	ch, err := parseChannel(*channel)
	if err != nil {
		return err
	}
	mode := clock.Mode(*clockMode)
	if mode != clock.ModeReal && mode != clock.ModeMock {
		return fmt.Errorf("clock must be real or mock")
	}

	cfg := loadConfig()
	cfg.RealHTTP = cfg.RealHTTP || *realHTTP
	logger, _ := newLogger(io.Discard, cfg)
	m := session.NewManager(session.Options{Caller: newCaller(cfg, logger), Logger: logger})
	defer m.Close()

	sess, err := m.Create(ctx, flow, session.CreateOptions{Channel: ch, ClockMode: mode, Source: "cli"})
	if err != nil {
		return err
	}
	c := &console{out: out, turn: make(chan struct{}, 1)}
	defer sess.Engine.OnBotMessage(c.print)()
	defer sess.Engine.OnWaiting(func(schema.WaitingEvent) { c.signal() })()
	defer sess.Engine.OnDone(func(schema.DoneEvent) { c.signal() })()
	defer sess.Engine.OnError(func(e schema.ErrorEvent) { fmt.Fprintf(out, "!! %s: %s\n", e.NodeID, e.Message) })()

	if _, err := m.Start(ctx, sess.ID, vars); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for {
		if err := sess.Engine.WaitInFlight(ctx); err != nil {
			return err
		}
		snap := sess.Snapshot()
		switch {
		case snap.Status.IsTerminal():
			fmt.Fprintf(out, "-- %s\n", snap.Status)
			return nil
		case snap.Waiting != nil:
			fmt.Fprint(out, "> ")
			if !scanner.Scan() {
				_, _ = m.Stop(ctx, sess.ID)
				fmt.Fprintln(out)
				return scanner.Err()
			}
			if _, err := m.Input(ctx, sess.ID, strings.TrimSpace(scanner.Text())); err != nil {
				return err
			}
		case mode == clock.ModeMock && snap.PendingTimers > 0:
			fmt.Fprintf(out, "-- skipping %d timer(s)\n", snap.PendingTimers)
			if _, err := m.Advance(ctx, sess.ID, 0); err != nil {
				return err
			}
		case mode == clock.ModeReal && snap.PendingTimers > 0:
			select {
			case <-c.turn:
			case <-ctx.Done():
				_, _ = m.Stop(context.Background(), sess.ID)
				return ctx.Err()
			}
		default:
			// Nothing left to wait for.
			fmt.Fprintf(out, "-- %s\n", snap.Status)
			return nil
		}
	}
}

type console struct {
	out  io.Writer
	turn chan struct{}
}

func (c *console) print(msg schema.BotMessage) {
	fmt.Fprintf(c.out, "bot: %s\n", msg.Text)
	for i, b := range msg.Actions.Buttons {
		fmt.Fprintf(c.out, "  [%d] %s\n", i+1, b.Label)
	}
}

func (c *console) signal() {
	select {
	case c.turn <- struct{}{}:
	default:
	}
}
