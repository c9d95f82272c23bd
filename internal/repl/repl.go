// Package repl drives a running client from line-oriented input.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"icinema/internal/session"
)

var (
	ErrExit           = errors.New("exit")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
)

const prompt = "icinema> "

type Controller interface {
	State(ctx context.Context) (session.State, error)
	Play(ctx context.Context) (bool, error)
	Pause(ctx context.Context) (bool, error)
	Seek(ctx context.Context, seconds float64) (bool, error)
	SetVideoURL(ctx context.Context, url string) (bool, error)
	ResumePlayback(ctx context.Context) (bool, error)
	EnterRoom(ctx context.Context, roomID int64) (bool, error)
	LeaveRoom(ctx context.Context) (bool, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

type Shell struct {
	ctrl Controller
	out  io.Writer
}

func New(ctrl Controller, out io.Writer) *Shell {
	return &Shell{ctrl: ctrl, out: out}
}

// Run reads commands until exit, EOF or ctx is done. Command errors are
// printed and do not stop the shell.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	fmt.Fprint(s.out, prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := s.Exec(ctx, line)
			if errors.Is(err, ErrExit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			fmt.Fprint(s.out, prompt)
		}
	}
}

// Exec runs a single command line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	args, err := shellwords.Parse(strings.TrimSpace(line))
	if err != nil {
		return fmt.Errorf("parse %q: %w", line, err)
	}
	if len(args) == 0 {
		return nil
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "exit", "quit":
		return ErrExit
	case "help":
		fmt.Fprintln(s.out, "commands: play, pause, seek <seconds>, url <url>, resume, enter <room>, leave, login <token>, logout, state, exit")
		return nil
	case "state":
		st, err := s.ctrl.State(ctx)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, string(data))
		return nil
	case "play":
		return s.report(s.ctrl.Play(ctx))
	case "pause":
		return s.report(s.ctrl.Pause(ctx))
	case "resume":
		return s.report(s.ctrl.ResumePlayback(ctx))
	case "leave":
		return s.report(s.ctrl.LeaveRoom(ctx))
	case "seek":
		if len(rest) != 1 {
			return fmt.Errorf("%w: seek <seconds>", ErrUsage)
		}
		seconds, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return fmt.Errorf("%w: seek <seconds>", ErrUsage)
		}
		return s.report(s.ctrl.Seek(ctx, seconds))
	case "url":
		if len(rest) != 1 {
			return fmt.Errorf("%w: url <url>", ErrUsage)
		}
		return s.report(s.ctrl.SetVideoURL(ctx, rest[0]))
	case "enter":
		if len(rest) != 1 {
			return fmt.Errorf("%w: enter <room>", ErrUsage)
		}
		roomID, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil || roomID <= 0 {
			return fmt.Errorf("%w: enter <room>", ErrUsage)
		}
		return s.report(s.ctrl.EnterRoom(ctx, roomID))
	case "login":
		if len(rest) != 1 {
			return fmt.Errorf("%w: login <token>", ErrUsage)
		}
		return s.ctrl.SetToken(ctx, rest[0])
	case "logout":
		return s.ctrl.ClearToken(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

func (s *Shell) report(synced bool, err error) error {
	if err != nil {
		return err
	}
	if synced {
		fmt.Fprintln(s.out, "ok (synced)")
	} else {
		fmt.Fprintln(s.out, "ok (local)")
	}
	return nil
}
