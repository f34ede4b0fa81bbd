package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jamesprial/gqlwire/internal/app"
	"github.com/jamesprial/gqlwire/internal/config"
	"github.com/jamesprial/gqlwire/internal/executor"
	"github.com/jamesprial/gqlwire/internal/graphql"
	"github.com/jamesprial/gqlwire/internal/subscription"
	"github.com/jamesprial/gqlwire/internal/tools"
)

// cli carries the persistent flags and the stack built from them.
type cli struct {
	out        io.Writer
	configPath string
	endpoint   string
	logLevel   string

	zl    *zap.Logger
	stack *app.Stack
}

// execute runs the command line args. The stack opened for the command is
// closed even when the command fails.
func execute(ctx context.Context, out io.Writer, args []string) error {
	c := &cli{out: out}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, c.close())
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gqlwire",
		Short:         "Run GraphQL queries, mutations and subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", os.Getenv("GQLWIRE_CONFIG_PATH"), "YAML config file")
	flags.StringVar(&c.endpoint, "endpoint", "", "GraphQL endpoint, overrides the config file")
	flags.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		c.queryCmd(),
		c.mutateCmd(),
		c.subscribeCmd(),
		c.tokenCmd(),
	)
	return root
}

func (c *cli) open() error {
	cfg := config.DefaultConfig()
	if c.configPath != "" {
		loaded, err := config.LoadConfig(c.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	config.ApplyEnvOverrides(cfg)
	if c.endpoint != "" {
		cfg.GraphQL.Endpoint = c.endpoint
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	// Operation output goes to stdout; keep routine logs quiet unless asked.
	if cfg.Log.Level == "info" && c.logLevel == "" {
		cfg.Log.Level = "warn"
	}

	zl, logger, err := app.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	stack, err := app.Build(cfg, app.WithLogger(logger))
	if err != nil {
		_ = zl.Sync()
		return err
	}
	c.zl, c.stack = zl, stack
	return nil
}

func (c *cli) close() error {
	if c.stack == nil {
		return nil
	}
	err := c.stack.Close()
	_ = c.zl.Sync()
	c.stack = nil
	return err
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type operationFlags struct {
	variables     string
	operationName string
}

func (f *operationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.variables, "variables", "", "variables as a JSON object")
	cmd.Flags().StringVar(&f.operationName, "operation-name", "", "operation to run when the document holds several")
}

// response is printed for queries and mutations.
type response struct {
	Data   *json.RawMessage `json:"data"`
	Errors []graphql.Error  `json:"errors,omitempty"`
}

func (c *cli) queryCmd() *cobra.Command {
	var (
		flags   operationFlags
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "query <document>",
		Short: "Execute a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := tools.ParseVariables(flags.variables)
			if err != nil {
				return err
			}
			q, err := c.stack.Client.Query(args[0], vars, executor.WithOperationName(flags.operationName))
			if err != nil {
				return err
			}
			defer q.Close()

			if refresh {
				err = q.Refresh(cmd.Context())
			} else {
				err = q.Execute(cmd.Context())
			}
			snap := q.Snapshot()
			if err != nil && snap.Data == nil {
				return err
			}
			return c.print(response{Data: snap.Data, Errors: snap.Errors})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&refresh, "refresh", false, "skip the cache")
	return cmd
}

func (c *cli) mutateCmd() *cobra.Command {
	var flags operationFlags
	cmd := &cobra.Command{
		Use:   "mutate <document>",
		Short: "Execute a mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := tools.ParseVariables(flags.variables)
			if err != nil {
				return err
			}
			m, err := c.stack.Client.Mutation(args[0], executor.WithOperationName(flags.operationName))
			if err != nil {
				return err
			}
			defer m.Close()

			data, err := m.Mutate(cmd.Context(), vars)
			if err != nil && data == nil {
				return err
			}
			return c.print(response{Data: data, Errors: m.Snapshot().Errors})
		},
	}
	flags.register(cmd)
	return cmd
}

func (c *cli) subscribeCmd() *cobra.Command {
	var (
		flags operationFlags
		count int
	)
	cmd := &cobra.Command{
		Use:   "subscribe <document>",
		Short: "Stream subscription data until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.stack.Subscriptions == nil {
				return errors.New("subscriptions are not available for this endpoint")
			}
			vars, err := tools.ParseVariables(flags.variables)
			if err != nil {
				return err
			}
			return c.stream(cmd, args[0], vars, flags.operationName, count)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many data events (0 streams until interrupted)")
	return cmd
}

// stream prints each new data payload of a subscription. It returns when
// count payloads were printed, the context ends or reconnection gives up.
func (c *cli) stream(cmd *cobra.Command, query string, vars map[string]any, opName string, count int) error {
	reg := c.stack.Subscriptions
	handle, err := reg.Subscribe(query, vars, opName)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Unsubscribe(handle) }()
	ch, err := reg.Get(handle)
	if err != nil {
		return err
	}

	updates := make(chan subscription.State[json.RawMessage], 16)
	unsubscribe := ch.OnChange(func(s subscription.State[json.RawMessage]) {
		select {
		case updates <- s:
		default:
		}
	})
	defer unsubscribe()

	var (
		last    []byte
		printed int
	)
	// consume reports whether streaming is over.
	consume := func(s subscription.State[json.RawMessage]) (bool, error) {
		if s.Data != nil && !bytes.Equal(last, *s.Data) {
			last = append(last[:0], *s.Data...)
			if err := c.print(response{Data: s.Data, Errors: s.Errors}); err != nil {
				return true, err
			}
			printed++
			if count > 0 && printed >= count {
				return true, nil
			}
		}
		if terminal(s) {
			return true, errors.New(subscription.ReconnectExhaustedMessage)
		}
		return false, nil
	}

	if done, err := consume(ch.Snapshot()); done {
		return err
	}
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case s := <-updates:
			if done, err := consume(s); done {
				return err
			}
		}
	}
}

func terminal(s subscription.State[json.RawMessage]) bool {
	if s.Phase != subscription.PhaseIdle {
		return false
	}
	for _, e := range s.Errors {
		if e.Message == subscription.ReconnectExhaustedMessage {
			return true
		}
	}
	return false
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored bearer token",
	}

	var session bool
	setCmd := &cobra.Command{
		Use:   "set <token>",
		Short: "Store a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if session {
				c.stack.Client.SetSessionToken(args[0])
			} else {
				c.stack.Client.SetToken(args[0])
			}
			_, err := fmt.Fprintln(c.out, "token set")
			return err
		},
	}
	setCmd.Flags().BoolVar(&session, "session", false, "keep the token for this process only")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.stack.Client.Logout()
			_, err := fmt.Fprintln(c.out, "token cleared")
			return err
		},
	}

	cmd.AddCommand(setCmd, clearCmd)
	return cmd
}
