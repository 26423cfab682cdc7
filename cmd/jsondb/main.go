// Command jsondb manages a jsondb partition file from the command line:
// writing objects, running queries, inspecting changes, indexes and storage.
//
// Flags can also be set through JSONDB_* environment variables (dashes become
// underscores) and .env files in the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andreyvit/jsondb"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cmd, a := newRootCommand(viper.New(), os.Stderr)
	err := cmd.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "jsondb: %v\n", err)
		os.Exit(1)
	}
}

// app is the state shared by the subcommands of one invocation.
type app struct {
	v      *viper.Viper
	logw   io.Writer
	logger *slog.Logger
	engine *jsondb.Engine
	part   *jsondb.Partition
}

// newRootCommand builds the command tree. The returned app must be closed
// after execution, whether or not the command failed.
func newRootCommand(v *viper.Viper, logw io.Writer) (*cobra.Command, *app) {
	a := &app{v: v, logw: logw}

	cmd := &cobra.Command{
		Use:           "jsondb",
		Short:         "Embedded JSON object store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			switch f := v.GetString("format"); f {
			case "json", "yaml":
			default:
				return fmt.Errorf("invalid format %q: must be json or yaml", f)
			}
			return a.setupLogging()
		},
	}

	v.SetEnvPrefix("jsondb")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	pf := cmd.PersistentFlags()
	pf.String("db", "jsondb.db", "partition file")
	pf.String("partition", "main", "partition name")
	pf.StringSlice("view-types", nil, "object types maintained by Map and Reduce definitions")
	pf.String("change-feed-dir", "", "directory of the change feed; empty disables it")
	pf.String("format", "json", "output format (json|yaml)")
	pf.String("log-level", "warn", "log level (debug, info, warn, error)")
	pf.BoolP("verbose", "v", false, "log every write, query and view update")

	cmd.AddCommand(
		a.newWriteCommand("create", "Create objects", writeCreate),
		a.newWriteCommand("update", "Update objects; _version must name the stored version", writeUpdate),
		a.newWriteCommand("put", "Write objects replacing whatever is stored", writeForced),
		a.newRemoveCommand(),
		a.newGetCommand(),
		a.newFindCommand(),
		a.newChangesCommand(),
		a.newIndexCommand(),
		a.newStatCommand(),
		a.newDumpCommand(),
		a.newCheckCommand(),
		a.newSchemaCommand(),
		a.newMetricsCommand(),
	)
	return cmd, a
}

func (a *app) setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q", a.v.GetString("log-level"))
	}
	noColor := true
	if f, ok := a.logw.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		a.logw = colorable.NewColorable(f)
	}
	a.logger = slog.New(tint.NewHandler(a.logw, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
	return nil
}

func (a *app) close() error {
	if a.engine == nil {
		return nil
	}
	err := a.engine.Close()
	a.engine, a.part = nil, nil
	return err
}

// open opens the configured partition on first use.
func (a *app) open(ctx context.Context) (*jsondb.Partition, error) {
	if a.part != nil {
		return a.part, nil
	}
	a.engine = jsondb.New(jsondb.Config{
		Logger:        a.logger,
		Verbose:       a.v.GetBool("verbose"),
		ViewTypes:     a.v.GetStringSlice("view-types"),
		ChangeFeedDir: a.v.GetString("change-feed-dir"),
	})
	p, err := a.engine.OpenPartition(ctx, a.v.GetString("partition"), a.v.GetString("db"))
	if err != nil {
		return nil, err
	}
	a.part = p
	return p, nil
}
