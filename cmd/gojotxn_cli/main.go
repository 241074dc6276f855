package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/txn"
	"github.com/sushant-115/gojotxn/internal/storefactory"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

var (
	configPath  string
	backend     string
	remoteAddr  string
	durability  string
	logLevel    string
	historyFile string
)

func init() {
	flag.StringVarP(&configPath, "config", "c", "", "Path to a gojotxn YAML config file")
	flag.StringVarP(&backend, "store", "s", "", "Store backend override: memory, bolt, raft or remote")
	flag.StringVar(&remoteAddr, "remote", "", "gojotxn_store address for the remote backend")
	flag.StringVarP(&durability, "durability", "d", "", "Durability override: none, majority, majority_and_persist, persist_to_majority")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level")
	flag.StringVar(&historyFile, "history", "/tmp/gojotxn_cli.history", "Readline history file")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gojotxn_cli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if backend != "" {
		cfg.Store.Backend = backend
	}
	if remoteAddr != "" {
		cfg.Store.RemoteAddr = remoteAddr
	}
	if durability != "" {
		if err := cfg.Transactions.Durability.UnmarshalText([]byte(durability)); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Logger.Level = logLevel

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer zlogger.Sync()

	ctx := context.Background()
	store, err := storefactory.Open(ctx, cfg.Store, cfg.TLS, zlogger)
	if err != nil {
		return err
	}
	defer store.Close()

	txCfg, err := cfg.Transactions.ToTxnConfig()
	if err != nil {
		return err
	}
	txCfg.Logger = zlogger
	txns, err := txn.New(store, txCfg)
	if err != nil {
		return err
	}
	defer txns.Close()

	zlogger.Debug("cli ready", zap.String("backend", cfg.Store.Backend))
	return shellLoop(ctx, newSession(txns, store, os.Stdout))
}

func shellLoop(ctx context.Context, s *session) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "gojotxn> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	fmt.Fprintln(l.Stdout(), "gojotxn CLI. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := l.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				s.execute(ctx, "exit")
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			s.execute(ctx, "exit")
			return nil
		}
		if err != nil {
			return err
		}
		if !s.execute(ctx, strings.TrimSpace(line)) {
			return nil
		}
		if s.tx != nil {
			l.SetPrompt("gojotxn(txn)> ")
		} else {
			l.SetPrompt("gojotxn> ")
		}
	}
}
