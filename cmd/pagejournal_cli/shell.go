package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/pagejournal/core/storage_engine"
)

// ShellCmd opens the store and reads commands until exit or EOF.
type ShellCmd struct {
	ReadOnly bool   `name:"read-only" help:"Open the store read-only"`
	History  string `name:"history" help:"History file" type:"path"`
}

func (c *ShellCmd) Run(g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	defer e.close()

	store, err := e.openStore(c.ReadOnly)
	if err != nil {
		return fmt.Errorf("failed to open store in %s: %w", e.cfg.Storage.DataDir, err)
	}

	history := c.History
	if history == "" {
		history = filepath.Join(os.TempDir(), "pagejournal_cli.history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagejournal> ",
		HistoryFile:     history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    shellCompleter,
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	defer rl.Close()

	sess := newSession(store, rl.Stdout(), e.logger)
	fmt.Fprintf(rl.Stdout(), "pagejournal shell on %s (run %s). Type 'help' for commands.\n", e.cfg.Storage.DataDir, store.RunID())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sess.close()
			return err
		}
		if sess.exec(strings.Fields(line)) {
			break
		}
	}
	return sess.close()
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("create"),
	readline.PcItem("open"),
	readline.PcItem("close"),
	readline.PcItem("read"),
	readline.PcItem("write"),
	readline.PcItem("size"),
	readline.PcItem("truncate"),
	readline.PcItem("delete"),
	readline.PcItem("exists"),
	readline.PcItem("lock"),
	readline.PcItem("unlock"),
	readline.PcItem("digest"),
	readline.PcItem("checkpoint"),
	readline.PcItem("stats"),
	readline.PcItem("handles"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

// session holds the handles opened from one shell.
type session struct {
	store   *storageengine.Store
	out     io.Writer
	logger  *zap.Logger
	handles map[string]*storageengine.Handle
}

func newSession(store *storageengine.Store, out io.Writer, logger *zap.Logger) *session {
	return &session{
		store:   store,
		out:     out,
		logger:  logger,
		handles: make(map[string]*storageengine.Handle),
	}
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) handle(name string) (*storageengine.Handle, error) {
	if h, ok := s.handles[name]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%s is not open in this shell", name)
}

// exec runs one command and reports whether the shell should exit.
func (s *session) exec(args []string) bool {
	if len(args) == 0 {
		return false
	}
	if err := s.dispatch(strings.ToLower(args[0]), args[1:]); err != nil {
		if errors.Is(err, errExit) {
			return true
		}
		s.printf("Error: %v\n", err)
	}
	return false
}

var errExit = errors.New("exit")

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func (s *session) dispatch(cmd string, args []string) error {
	switch cmd {
	case "create", "open":
		if err := need(args, 1, cmd+" <name>"); err != nil {
			return err
		}
		name := args[0]
		if _, ok := s.handles[name]; ok {
			return fmt.Errorf("%s is already open", name)
		}
		var h *storageengine.Handle
		var err error
		if cmd == "create" {
			h, err = s.store.CreateResource(name)
		} else {
			h, err = s.store.OpenResource(name)
		}
		if err != nil {
			return err
		}
		s.handles[name] = h
		s.printf("OK %s (%d bytes)\n", name, h.Size())
	case "close":
		if err := need(args, 1, "close <name>"); err != nil {
			return err
		}
		h, err := s.handle(args[0])
		if err != nil {
			return err
		}
		delete(s.handles, args[0])
		if err := h.Close(); err != nil {
			return err
		}
		s.printf("OK\n")
	case "write":
		if err := need(args, 3, "write <name> <offset> <text>"); err != nil {
			return err
		}
		h, err := s.handle(args[0])
		if err != nil {
			return err
		}
		off, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad offset %q: %w", args[1], err)
		}
		data := []byte(strings.Join(args[2:], " "))
		if err := h.Write(off, data, 0, len(data)); err != nil {
			return err
		}
		s.printf("OK wrote %d bytes, size %d\n", len(data), h.Size())
	case "read":
		if err := need(args, 3, "read <name> <offset> <length>"); err != nil {
			return err
		}
		h, err := s.handle(args[0])
		if err != nil {
			return err
		}
		off, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad offset %q: %w", args[1], err)
		}
		length, err := strconv.Atoi(args[2])
		if err != nil || length < 0 {
			return fmt.Errorf("bad length %q", args[2])
		}
		buf := make([]byte, length)
		n, err := h.Read(off, buf, 0, length)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		s.printf("%q\n", buf[:n])
	case "size":
		if err := need(args, 1, "size <name>"); err != nil {
			return err
		}
		h, err := s.handle(args[0])
		if err != nil {
			return err
		}
		s.printf("%d\n", h.Size())
	case "truncate":
		if err := need(args, 2, "truncate <name> <size>"); err != nil {
			return err
		}
		h, err := s.handle(args[0])
		if err != nil {
			return err
		}
		size, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad size %q: %w", args[1], err)
		}
		if err := h.SetSize(size); err != nil {
			return err
		}
		s.printf("OK\n")
	case "delete":
		if err := need(args, 1, "delete <name>"); err != nil {
			return err
		}
		if h, ok := s.handles[args[0]]; ok {
			delete(s.handles, args[0])
			_ = h.Close()
		}
		if err := s.store.DeleteResource(args[0]); err != nil {
			return err
		}
		s.printf("OK\n")
	case "exists":
		if err := need(args, 1, "exists <name>"); err != nil {
			return err
		}
		ok, err := s.store.ResourceExists(args[0])
		if err != nil {
			return err
		}
		s.printf("%t\n", ok)
	case "lock", "unlock":
		if err := need(args, 1, cmd+" <name>"); err != nil {
			return err
		}
		h, err := s.handle(args[0])
		if err != nil {
			return err
		}
		if cmd == "lock" {
			err = h.Lock()
		} else {
			err = h.Unlock()
		}
		if err != nil {
			return err
		}
		s.printf("OK\n")
	case "digest":
		if err := need(args, 1, "digest <name>"); err != nil {
			return err
		}
		sum, size, err := digestResource(s.store, args[0])
		if err != nil {
			return err
		}
		s.printf("%s  %s (%d bytes)\n", sum, args[0], size)
	case "checkpoint":
		if err := s.store.Checkpoint(context.Background()); err != nil {
			return err
		}
		s.printf("OK\n")
	case "stats":
		st := s.store.Stats()
		s.printf("run:             %s\n", st.RunID)
		s.printf("kind:            %s\n", st.Kind)
		s.printf("resources:       %d\n", st.Resources)
		s.printf("resident pages:  %d\n", st.ResidentPages)
		s.printf("pending:         %d\n", st.PendingJournals)
		s.printf("active journal:  %d bytes\n", st.ActiveJournalSize)
		if st.DrainError != nil {
			s.printf("drain error:     %v\n", st.DrainError)
		}
	case "handles":
		names := make([]string, 0, len(s.handles))
		for name := range s.handles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s.printf("%s\n", name)
		}
	case "help":
		s.printf("Commands:\n")
		s.printf("  create <name> | open <name> | close <name>\n")
		s.printf("  write <name> <offset> <text>\n")
		s.printf("  read <name> <offset> <length>\n")
		s.printf("  size <name> | truncate <name> <size>\n")
		s.printf("  delete <name> | exists <name>\n")
		s.printf("  lock <name> | unlock <name>\n")
		s.printf("  digest <name>\n")
		s.printf("  checkpoint | stats | handles\n")
		s.printf("  help | exit | quit\n")
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", cmd)
	}
	return nil
}

// close releases every handle and then the store.
func (s *session) close() error {
	for name, h := range s.handles {
		if err := h.Close(); err != nil {
			s.logger.Warn("Failed to close handle", zap.String("name", name), zap.Error(err))
		}
	}
	clear(s.handles)
	return s.store.Close()
}
