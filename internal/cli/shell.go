package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/memtier/internal/storage"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// NewShellCommand creates the interactive shell command.
func NewShellCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over the memory store",
		Long: `Open the store and read commands interactively. When standard input is
not a terminal, commands are read one per line.

Commands:
  store <key> <json>      store a JSON value
  get <key> [context]     retrieve a record
  query <text> [limit]    unified query across tiers
  delete <key>            delete a key everywhere
  sync                    run one promotion cycle
  health                  probe every tier
  metrics                 print metrics
  exit                    leave the shell`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(cmd)
			if err != nil {
				return err
			}
			svc, err := storage.Open(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "open memory system", err)
			}
			defer svc.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			sh := &shell{ctx: ctx, svc: svc, out: cmd.OutOrStdout()}

			if in, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(in.Fd())) {
				sh.interactive()
				return nil
			}
			return sh.script(cmd.InOrStdin())
		},
	}
}

var shellCommands = []prompt.Suggest{
	{Text: "store", Description: "store <key> <json>"},
	{Text: "get", Description: "get <key> [context]"},
	{Text: "query", Description: "query <text> [limit]"},
	{Text: "delete", Description: "delete <key>"},
	{Text: "sync", Description: "run one promotion cycle"},
	{Text: "health", Description: "probe every tier"},
	{Text: "metrics", Description: "print metrics"},
	{Text: "exit", Description: "leave the shell"},
}

type shell struct {
	ctx context.Context
	svc *storage.Service
	out io.Writer
}

func (sh *shell) interactive() {
	p := prompt.New(
		func(line string) { sh.execute(line) },
		sh.complete,
		prompt.OptionPrefix("memtier> "),
		prompt.OptionTitle("memtier shell"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	)
	p.Run()
}

func (sh *shell) script(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if quit := sh.execute(scanner.Text()); quit {
			return nil
		}
	}
	return scanner.Err()
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(shellCommands, d.GetWordBeforeCursor(), true)
}

func isExit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit":
		return true
	}
	return false
}

// execute runs one shell line and reports whether the shell should end.
func (sh *shell) execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}
	if isExit(line) {
		return true
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch name {
	case "store":
		err = sh.store(rest)
	case "get":
		err = sh.get(rest)
	case "query":
		err = sh.query(rest)
	case "delete":
		err = sh.delete(rest)
	case "sync":
		res := sh.svc.SyncNow(sh.ctx)
		fmt.Fprintf(sh.out, "promoted %d of %d (superseded %d, requeued %d, dropped %d)\n",
			res.Promoted, res.Drained, res.Superseded, res.Requeued, res.Dropped)
	case "health":
		RenderHealth(sh.out, sh.svc.Health(sh.ctx), sh.svc.Metrics())
	case "metrics":
		RenderMetrics(sh.out, sh.svc.Metrics())
	case "help":
		for _, c := range shellCommands {
			fmt.Fprintf(sh.out, "  %-8s %s\n", c.Text, c.Description)
		}
	default:
		err = fmt.Errorf("unknown command %q (try help)", name)
	}
	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
	return false
}

func (sh *shell) store(args string) error {
	key, value, _ := strings.Cut(args, " ")
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return fmt.Errorf("usage: store <key> <json>")
	}
	if !json.Valid([]byte(value)) {
		return fmt.Errorf("value is not valid JSON")
	}
	rec, err := sh.svc.Store(sh.ctx, key, json.RawMessage(value), "")
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "stored %s [%s] on %s\n", rec.ID, rec.Hash[:8], rec.Tier)
	return nil
}

func (sh *shell) get(args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return fmt.Errorf("usage: get <key> [context]")
	}
	label := ""
	if len(fields) == 2 {
		label = fields[1]
	}
	rec, found, err := sh.svc.Retrieve(sh.ctx, fields[0], label)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(sh.out, "not found: %s\n", fields[0])
		return nil
	}
	return sh.printRecord(rec)
}

func (sh *shell) query(args string) error {
	fields := strings.Fields(args)
	limit := 0
	if n := len(fields); n > 1 {
		if v, err := strconv.Atoi(fields[n-1]); err == nil {
			limit = v
			fields = fields[:n-1]
		}
	}
	recs, err := sh.svc.Query(sh.ctx, strings.Join(fields, " "), limit)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Fprintf(sh.out, "%s  %s  %s  %s\n", stamp(rec.Timestamp), rec.Tier, rec.ID, rec.Content)
	}
	fmt.Fprintf(sh.out, "%d results\n", len(recs))
	return nil
}

func (sh *shell) delete(args string) error {
	if args == "" || strings.Contains(args, " ") {
		return fmt.Errorf("usage: delete <key>")
	}
	if err := sh.svc.Delete(sh.ctx, args); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "deleted %s\n", args)
	return nil
}

func (sh *shell) printRecord(rec types.Record) error {
	data, err := types.MarshalEnvelopeIndent(rec)
	if err != nil {
		return err
	}
	fmt.Fprintln(sh.out, string(data))
	return nil
}
