package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/drillgrid/internal/appclient"
)

// Runner executes drillgrid subcommands against a daemon and maps the
// outcome to a process exit code: 0 on success, 1 on request failures and
// 2 on usage errors.
type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
	in      io.Reader

	api     *appclient.Client
	addr    string
	cfgPath string
	jsonOut bool
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

func NewRunner(addr string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(addr, nil, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		baseURL: baseURL,
		client:  client,
		out:     out,
		errOut:  errOut,
		in:      os.Stdin,
	}
}

// WithInput replaces stdin for commands that read a document from "-".
func (r *Runner) WithInput(in io.Reader) *Runner {
	r.in = in
	return r
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "drillgrid",
		Short:         "Drilldown dashboard client",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return usagef("a subcommand is required")
		},
		PersistentPreRunE: func(*cobra.Command, []string) error {
			r.connect()
			return nil
		},
	}
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	root.SetIn(r.in)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	root.PersistentFlags().StringVar(&r.addr, "addr", "", "daemon address (host:port or URL)")
	root.PersistentFlags().StringVar(&r.cfgPath, "config", "", "config file for local commands")
	root.PersistentFlags().BoolVar(&r.jsonOut, "json", false, "output JSON")

	root.AddCommand(
		r.healthCommand(),
		r.mainCommand(),
		r.tableCommand(),
		r.existsCommand(),
		r.shellCommand(),
		r.dispatchesCommand(),
		r.tasksCommand(),
		r.promoteCommand(),
		r.promotionsCommand(),
		r.sessionsCommand(),
		r.monitorCommand(),
		r.doctorCommand(),
	)
	return root
}

func (r *Runner) connect() {
	switch {
	case strings.TrimSpace(r.addr) != "":
		r.api = appclient.New(r.addr)
	case r.client != nil:
		r.api = appclient.NewWithClient(r.baseURL, r.client)
	default:
		r.api = appclient.New(r.baseURL)
	}
}

// emit writes v as indented JSON when --json is set, otherwise it calls
// text to render the human form.
func (r *Runner) emit(v any, text func(w io.Writer)) error {
	if r.jsonOut {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(r.out)
	return nil
}

func (r *Runner) readDocument(path string) ([]byte, error) {
	if path == "" {
		return nil, usagef("--file is required")
	}
	if path == "-" {
		return io.ReadAll(r.in)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("usage: drillgrid %s", usage)
		}
		return nil
	}
}
