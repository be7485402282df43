// agentchat is a terminal client for agent rooms. It signs in to the user server
// and drives a room coordinator against the agent server directly.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/ashureev/agenthub/internal/agentapi"
	"github.com/ashureev/agenthub/internal/config"
	"github.com/ashureev/agenthub/internal/room"
	"github.com/ashureev/agenthub/internal/session"
	"github.com/ashureev/agenthub/internal/transcript"
	"github.com/ashureev/agenthub/internal/userapi"
)

// options are the client-only flags. Server addresses and timeouts come from
// config.Load and may be overridden on the command line.
type options struct {
	login    string
	password string
	token    string
	room     string
	verbose  bool
}

// settlePoll is how often the client checks whether the coordinator went idle.
const settlePoll = 50 * time.Millisecond

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentchat:", err)
		os.Exit(1)
	}

	var opts options
	flag.StringVar(&cfg.AgentServerURL, "agent-server", cfg.AgentServerURL, "agent server base URL")
	flag.StringVar(&cfg.UserServerURL, "user-server", cfg.UserServerURL, "user server base URL")
	flag.DurationVar(&cfg.Upstream.Timeout, "timeout", cfg.Upstream.Timeout, "timeout for user and agent server calls")
	flag.StringVarP(&opts.login, "login", "l", os.Getenv("AGENTHUB_LOGIN"), "login ID")
	flag.StringVarP(&opts.password, "password", "p", os.Getenv("AGENTHUB_PASSWORD"), "password")
	flag.StringVarP(&opts.token, "token", "t", os.Getenv("AGENTHUB_TOKEN"), "access token (skips sign-in)")
	flag.StringVarP(&opts.room, "room", "r", "", "room to open on start")
	flag.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "agentchat:", err)
		os.Exit(1)
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "agentchat:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, in io.Reader, out io.Writer, logger *slog.Logger) error {
	users, err := userapi.NewClient(cfg.UserServerURL, cfg.Upstream.Timeout)
	if err != nil {
		return err
	}
	agents, err := agentapi.NewClient(cfg.AgentServerURL, cfg.Upstream.Timeout, cfg.Upstream.DetailCacheTTL)
	if err != nil {
		return err
	}

	token := opts.token
	if token == "" {
		if opts.login == "" || opts.password == "" {
			return fmt.Errorf("either --token or --login and --password are required")
		}
		res, err := users.SignIn(ctx, opts.login, opts.password)
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		token = res.AccessToken
		fmt.Fprintf(out, "Signed in as %s\n", res.Username)
	}

	conn := session.New(session.Config{
		BaseURL:     agents.BaseURL(),
		DialTimeout: cfg.Chat.DialTimeout,
		ReadLimit:   cfg.Chat.ReadLimit,
		Logger:      logger,
	})

	p := newPrinter(out)
	defer p.stop()

	coord, err := room.New(room.Config{
		Runner:       conn,
		History:      users.History(token),
		Agents:       agents,
		Listener:     p.push,
		LoadTimeout:  cfg.Chat.LoadTimeout,
		SaveTimeout:  cfg.Chat.SaveTimeout,
		InputTimeout: cfg.Chat.InputTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		coord.Close()
		coord.WaitSaves()
	}()

	if opts.room != "" {
		if err := coord.SelectRoom(opts.room); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "Commands: /room <slug>, /leave, /cancel, /auth <code>, /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Input ended: let the last run finish so piped prompts get their answer.
				_, err := waitUntil(ctx, coord, func(v room.View) bool {
					return !v.Submitting && !v.HistoryLoading
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			quit, err := handleLine(ctx, coord, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// waitUntil polls the coordinator until cond holds for its view or ctx ends.
func waitUntil(ctx context.Context, coord *room.Coordinator, cond func(room.View) bool) (room.View, error) {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		v, err := coord.Snapshot(ctx)
		if err != nil {
			return v, err
		}
		if cond(v) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleLine runs one REPL command. Plain text answers a pending input request
// or starts a new run.
func handleLine(ctx context.Context, coord *room.Coordinator, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/room":
		if arg == "" {
			return false, fmt.Errorf("usage: /room <slug>")
		}
		return false, coord.SelectRoom(arg)
	case "/leave":
		return false, coord.LeaveRoom()
	case "/cancel":
		return false, coord.Cancel()
	case "/auth":
		return false, coord.ProvideAuthCode(arg)
	}

	// A room opened from the command line may still be loading its history.
	view, err := waitUntil(ctx, coord, func(v room.View) bool { return !v.HistoryLoading })
	if err != nil {
		return false, err
	}
	if view.AwaitingInput {
		return false, coord.RespondToInput(line)
	}
	return false, coord.Submit(line)
}

// printer writes coordinator updates to a terminal. Updates are queued so the
// coordinator's listener never waits on the terminal.
type printer struct {
	out     io.Writer
	updates chan room.Update
	done    chan struct{}
	printed map[string]int
	closed  map[string]bool

	awaiting     bool
	authRequired bool
}

func newPrinter(out io.Writer) *printer {
	p := &printer{
		out:     out,
		updates: make(chan room.Update, 256),
		done:    make(chan struct{}),
		printed: make(map[string]int),
		closed:  make(map[string]bool),
	}
	go p.loop()
	return p
}

func (p *printer) push(u room.Update) {
	select {
	case p.updates <- u:
	default:
		slog.Warn("Terminal output queue full, dropping update", "kind", u.Kind)
	}
}

func (p *printer) stop() {
	close(p.updates)
	<-p.done
}

func (p *printer) loop() {
	defer close(p.done)
	for u := range p.updates {
		p.print(u)
	}
}

func (p *printer) print(u room.Update) {
	switch u.Kind {
	case room.UpdateReset:
		clear(p.printed)
		clear(p.closed)
		p.awaiting, p.authRequired = false, false
		if u.Room == "" {
			fmt.Fprintln(p.out, "-- left room")
		} else {
			fmt.Fprintf(p.out, "-- room %s\n", u.Room)
		}
	case room.UpdateHistory:
		if u.View == nil {
			return
		}
		for _, e := range u.View.Entries {
			p.entry(e)
		}
	case room.UpdateEntry:
		if u.Entry != nil {
			p.entry(*u.Entry)
		}
	case room.UpdateState:
		if u.View == nil {
			return
		}
		if u.View.AuthRequired && !p.authRequired {
			fmt.Fprintf(p.out, "-- authorization required (%s), use /auth <code>\n", strings.Join(u.View.AuthScopes, ", "))
		}
		if u.View.AwaitingInput && !p.awaiting {
			fmt.Fprintln(p.out, "-- agent is waiting for input")
		}
		p.awaiting, p.authRequired = u.View.AwaitingInput, u.View.AuthRequired
	case room.UpdateNotice:
		fmt.Fprintf(p.out, "! %s\n", u.Notice)
	}
}

// entry prints what has not been printed yet of e. Log entries grow in place, so
// only their new suffix is written.
func (p *printer) entry(e transcript.Entry) {
	seen, ok := p.printed[e.ID]
	switch e.Sender {
	case transcript.SenderUser:
		if !ok {
			fmt.Fprintf(p.out, "> %s\n", e.Content)
		}
	case transcript.SenderAgent:
		if !ok {
			fmt.Fprintf(p.out, "%s\n", e.Content)
		}
	case transcript.SenderLog:
		if seen < len(e.Content) {
			fmt.Fprint(p.out, e.Content[seen:])
		}
		if e.Status == transcript.StatusDone && !p.closed[e.ID] {
			p.closed[e.ID] = true
			if e.Content != "" && !strings.HasSuffix(e.Content, "\n") {
				fmt.Fprintln(p.out)
			}
		}
	}
	p.printed[e.ID] = len(e.Content)
}
