package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskgraph/internal/config"
	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/precedent"
)

// output renders query results as indented JSON, or as an aligned table
// when stdout is a terminal.
type output struct {
	w     io.Writer
	table bool
}

func stdoutOutput() output {
	return output{w: os.Stdout, table: isatty.IsTerminal(os.Stdout.Fd())}
}

func (o output) json(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o output) rows(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func openStore(ctx context.Context) (*graph.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	store, err := graph.Open(ctx, graph.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// withStore runs fn against the local store and maps the outcome to an
// exit code.
func withStore(ctx context.Context, fn func(*graph.Store) error) int {
	store, err := openStore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	if err := fn(store); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if graph.IsNotFound(err) {
			return 3
		}
		return 1
	}
	return 0
}

func nodeRows(o output, nodes ...graph.Node) error {
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		state := "active"
		if n.DeletedAt != nil {
			state = "deleted"
		}
		rows = append(rows, []string{n.ID, string(n.Type), n.Status, fmt.Sprint(n.Version), state, stamp(n.UpdatedAt), n.Title})
	}
	return o.rows([]string{"ID", "TYPE", "STATUS", "VERSION", "STATE", "UPDATED", "TITLE"}, rows)
}

func runNodeCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskgraph node <id>")
		return 2
	}
	o := stdoutOutput()
	return withStore(ctx, func(s *graph.Store) error {
		n, err := s.GetNode(ctx, args[0], true)
		if err != nil {
			return err
		}
		if !o.table {
			return o.json(n)
		}
		return nodeRows(o, n)
	})
}

func runHistoryCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskgraph history <id>")
		return 2
	}
	o := stdoutOutput()
	return withStore(ctx, func(s *graph.Store) error {
		recs, err := s.GetHistory(ctx, args[0])
		if err != nil {
			return err
		}
		if !o.table {
			return o.json(recs)
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{fmt.Sprint(r.Version), string(r.Operation), r.ChangedBy, stamp(r.ChangedAt), r.ChangeReason})
		}
		return o.rows([]string{"VERSION", "OP", "BY", "AT", "REASON"}, rows)
	})
}

func runReplayCommand(ctx context.Context, args []string) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: taskgraph replay <id> [RFC3339 time]")
		return 2
	}
	var asOf *time.Time
	if len(args) == 2 {
		t, err := time.Parse(time.RFC3339Nano, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid time %q: %v\n", args[1], err)
			return 2
		}
		asOf = &t
	}
	o := stdoutOutput()
	return withStore(ctx, func(s *graph.Store) error {
		var (
			n   graph.Node
			err error
		)
		if asOf != nil {
			n, err = s.NodeAsOf(ctx, args[0], *asOf)
		} else {
			n, err = s.ReplayNode(ctx, args[0])
		}
		if err != nil {
			return err
		}
		if !o.table {
			return o.json(n)
		}
		return nodeRows(o, n)
	})
}

func runPrecedentsCommand(ctx context.Context, args []string) int {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: taskgraph precedents <task description>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	o := stdoutOutput()
	return withStore(ctx, func(s *graph.Store) error {
		ix := precedent.New(s, precedent.Options{Limit: cfg.Precedents.Limit, MinScore: cfg.Precedents.MinScore})
		matches, err := ix.FindPrecedents(ctx, text, 0).Collect()
		if err != nil {
			return err
		}
		if !o.table {
			if matches == nil {
				matches = []precedent.Match{}
			}
			return o.json(matches)
		}
		rows := make([][]string, 0, len(matches))
		for _, m := range matches {
			rows = append(rows, []string{fmt.Sprintf("%.3f", m.Score), m.Node.ID, precedent.PatternOf(m.Node), m.Node.Title})
		}
		return o.rows([]string{"SCORE", "ID", "PATTERN", "TITLE"}, rows)
	})
}
