package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/txn"
)

var errNoTransaction = errors.New("no transaction in progress, use begin")

// opFunc is one REPL command run against an attempt. It returns what to
// print on success.
type opFunc func(ctx context.Context, ac *txn.AttemptContext) (string, error)

type opReply struct {
	msg string
	err error
}

type pendingOp struct {
	fn opFunc
	// finish ends the callback after fn (commit or rollback).
	finish bool
	reply  chan opReply
}

type txnOutcome struct {
	res *txn.Result
	err error
}

// interactiveTxn keeps a transaction callback open across REPL lines. Ops
// that succeeded are remembered and replayed when the coordinator starts a
// new attempt.
type interactiveTxn struct {
	ops  chan *pendingOp
	done chan txnOutcome

	// history and finishing are only touched by the callback goroutine.
	history   []opFunc
	finishing *pendingOp
}

func (it *interactiveTxn) logic(ctx context.Context, ac *txn.AttemptContext) error {
	for _, fn := range it.history {
		if _, err := fn(ctx, ac); err != nil && attemptFailed(err) {
			return err
		}
	}
	if it.finishing != nil {
		_, err := it.finishing.fn(ctx, ac)
		return err
	}
	for op := range it.ops {
		msg, err := op.fn(ctx, ac)
		if op.finish {
			it.finishing = op
			return err
		}
		if err != nil && attemptFailed(err) {
			op.reply <- opReply{err: fmt.Errorf("%w (attempt will be retried if possible)", err)}
			return err
		}
		if err == nil {
			it.history = append(it.history, op.fn)
		}
		op.reply <- opReply{msg: msg, err: err}
	}
	return nil
}

// attemptFailed reports whether err ended the attempt, as opposed to a
// not-found or already-exists the session can carry on from.
func attemptFailed(err error) bool {
	return !errors.Is(err, txn.ErrDocumentNotFound) && !errors.Is(err, txn.ErrDocumentAlreadyExists)
}

type session struct {
	txns  *txn.Transactions
	store kv.Store
	out   io.Writer
	tx    *interactiveTxn
}

func newSession(txns *txn.Transactions, store kv.Store, out io.Writer) *session {
	return &session{txns: txns, store: store, out: out}
}

func (s *session) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

// execute runs one REPL line. It returns false when the session should end.
func (s *session) execute(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return true
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	var err error
	switch cmd {
	case "begin":
		err = s.begin(ctx)
	case "commit":
		err = s.finish(ctx, false)
	case "rollback":
		err = s.finish(ctx, true)
	case "get":
		if len(args) != 1 {
			err = errors.New("usage: get <key>")
			break
		}
		err = s.run(ctx, getOp(args[0]))
	case "insert", "replace":
		if len(args) < 2 {
			err = fmt.Errorf("usage: %s <key> <json>", cmd)
			break
		}
		value := jsonValue(strings.Join(args[1:], " "))
		if cmd == "insert" {
			err = s.run(ctx, insertOp(args[0], value))
		} else {
			err = s.run(ctx, replaceOp(args[0], value))
		}
	case "remove":
		if len(args) != 1 {
			err = errors.New("usage: remove <key>")
			break
		}
		err = s.run(ctx, removeOp(args[0]))
	case "raw":
		if len(args) != 1 {
			err = errors.New("usage: raw <key>")
			break
		}
		err = s.raw(ctx, args[0])
	case "scan":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		err = s.scan(ctx, prefix)
	case "cleanup":
		err = s.cleanup(ctx, args)
	case "help":
		s.printHelp()
	case "exit", "quit":
		if s.tx != nil {
			err = s.finish(ctx, true)
		}
		if err != nil {
			s.printf("error: %v\n", err)
		}
		return false
	default:
		err = fmt.Errorf("unknown command %q, type 'help' for a list of commands", cmd)
	}
	if err != nil {
		s.printf("error: %v\n", err)
	}
	return true
}

func (s *session) printHelp() {
	s.printf(`Commands:
  begin                      start an interactive transaction
  get <key>                  read through the transaction layer
  insert <key> <json>        stage (or autocommit) an insert
  replace <key> <json>       stage (or autocommit) a replace
  remove <key>               stage (or autocommit) a remove
  commit | rollback          finish the interactive transaction
  raw <key>                  show the stored document with its metadata
  scan [prefix]              list stored documents
  cleanup [atr-key]          sweep every ATR, or one
  help
  exit | quit
`)
}

func (s *session) begin(ctx context.Context) error {
	if s.tx != nil {
		return errors.New("a transaction is already in progress")
	}
	it := &interactiveTxn{ops: make(chan *pendingOp), done: make(chan txnOutcome, 1)}
	go func() {
		res, err := s.txns.Run(ctx, it.logic, nil)
		it.done <- txnOutcome{res: res, err: err}
	}()
	s.tx = it
	s.printf("transaction started\n")
	return nil
}

// run executes op inside the open transaction, or in a transaction of its
// own when none is open.
func (s *session) run(ctx context.Context, fn opFunc) error {
	if s.tx == nil {
		var msg string
		res, err := s.txns.Run(ctx, func(ctx context.Context, ac *txn.AttemptContext) error {
			var err error
			msg, err = fn(ctx, ac)
			return err
		}, nil)
		if err != nil {
			return err
		}
		s.printf("%s\n", msg)
		s.printResult(res)
		return nil
	}

	op := &pendingOp{fn: fn, reply: make(chan opReply, 1)}
	select {
	case s.tx.ops <- op:
	case out := <-s.tx.done:
		s.tx = nil
		s.printOutcome(out)
		return errors.New("the transaction ended before the command ran")
	}
	select {
	case r := <-op.reply:
		if r.err != nil {
			return r.err
		}
		s.printf("%s\n", r.msg)
		return nil
	case out := <-s.tx.done:
		s.tx = nil
		s.printOutcome(out)
		return errors.New("the transaction ended")
	}
}

func (s *session) finish(ctx context.Context, rollback bool) error {
	if s.tx == nil {
		return errNoTransaction
	}
	fn := func(ctx context.Context, ac *txn.AttemptContext) (string, error) { return "", nil }
	if rollback {
		fn = func(ctx context.Context, ac *txn.AttemptContext) (string, error) { return "", ac.Rollback(ctx) }
	}
	op := &pendingOp{fn: fn, finish: true, reply: make(chan opReply, 1)}
	select {
	case s.tx.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case out := <-s.tx.done:
		s.tx = nil
		s.printOutcome(out)
		return nil
	}
	out := <-s.tx.done
	s.tx = nil
	s.printOutcome(out)
	return nil
}

func (s *session) printOutcome(out txnOutcome) {
	var ambiguous *txn.TransactionCommitAmbiguousError
	switch {
	case errors.As(out.err, &ambiguous):
		s.printf("commit ambiguous: %v\n", out.err)
	case out.err != nil:
		s.printf("transaction failed: %v\n", out.err)
	default:
		s.printResult(out.res)
	}
}

func (s *session) printResult(res *txn.Result) {
	switch {
	case res.RolledBack:
		s.printf("rolled back (%s, %d attempt(s))\n", res.TransactionID, len(res.Attempts))
	case !res.UnstagingComplete:
		s.printf("committed (%s, %d attempt(s)), unstaging left to cleanup\n", res.TransactionID, len(res.Attempts))
	default:
		s.printf("committed (%s, %d attempt(s))\n", res.TransactionID, len(res.Attempts))
	}
}

func (s *session) raw(ctx context.Context, key string) error {
	doc, err := s.store.Get(ctx, key, kv.GetOptions{AccessDeleted: true})
	if err != nil {
		return err
	}
	s.printDocument(doc)
	return nil
}

func (s *session) scan(ctx context.Context, prefix string) error {
	sc, ok := s.store.(kv.Scanner)
	if !ok {
		return errors.New("store does not support scans")
	}
	docs, err := sc.Scan(ctx, prefix)
	if err != nil {
		return err
	}
	for _, d := range docs {
		s.printDocument(d)
	}
	s.printf("%d document(s)\n", len(docs))
	return nil
}

func (s *session) printDocument(d *kv.Document) {
	state := ""
	if d.Deleted {
		state = " (tombstone)"
	}
	s.printf("%s cas=%d%s\n  value: %s\n", d.Key, d.Cas, state, string(d.Value))
	if len(d.Xattr) > 0 {
		s.printf("  xattr: %s\n", string(d.Xattr))
	}
}

func (s *session) cleanup(ctx context.Context, args []string) error {
	c := s.txns.Cleaner()
	var (
		n   int
		err error
	)
	if len(args) > 0 {
		n, err = c.CleanupATR(ctx, args[0])
	} else {
		n, err = c.Sweep(ctx)
	}
	s.printf("cleaned %d attempt(s)\n", n)
	return err
}

func getOp(key string) opFunc {
	return func(ctx context.Context, ac *txn.AttemptContext) (string, error) {
		doc, err := ac.Get(ctx, key)
		if err != nil {
			return "", err
		}
		var body json.RawMessage
		if err := doc.ContentAs(&body); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s", key, string(body)), nil
	}
}

func insertOp(key string, value json.RawMessage) opFunc {
	return func(ctx context.Context, ac *txn.AttemptContext) (string, error) {
		if _, err := ac.Insert(ctx, key, value); err != nil {
			return "", err
		}
		return "inserted " + key, nil
	}
}

func replaceOp(key string, value json.RawMessage) opFunc {
	return func(ctx context.Context, ac *txn.AttemptContext) (string, error) {
		doc, err := ac.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if _, err := ac.Replace(ctx, doc, value); err != nil {
			return "", err
		}
		return "replaced " + key, nil
	}
}

func removeOp(key string) opFunc {
	return func(ctx context.Context, ac *txn.AttemptContext) (string, error) {
		doc, err := ac.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if err := ac.Remove(ctx, doc); err != nil {
			return "", err
		}
		return "removed " + key, nil
	}
}

// jsonValue keeps valid JSON as is and quotes anything else as a string.
func jsonValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
