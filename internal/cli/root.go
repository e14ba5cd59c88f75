// Package cli holds the syncd command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation/kafkapub"
	"github.com/mohammed-shakir/backoffice-sync/internal/logger"
	"github.com/mohammed-shakir/backoffice-sync/internal/metrics"
)

// Version is stamped at build time.
var Version = "dev"

type app struct {
	stdout io.Writer
	stderr io.Writer
	// logger is built lazily so pure commands never touch global zerolog state.
	logger func(component string) *slog.Logger
	// newKafka opens the kafka publisher; nil means kafkapub.New.
	newKafka func(kafkapub.Config, *slog.Logger) (*kafkapub.Publisher, error)
}

func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	return newRoot(&app{stdout: stdout, stderr: stderr, logger: buildLogger})
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Back-office dashboard data sync layer",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.AddCommand(
		newServeCmd(a),
		newResolveCmd(a),
		newPresetsCmd(a),
		newKeyCmd(a),
		newInvalidateCmd(a),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand(os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func buildLogger(component string) *slog.Logger {
	zl := logger.Build(logger.Config{
		Level:     getenv("LOG_LEVEL", "info"),
		Console:   strings.EqualFold(os.Getenv("LOG_CONSOLE"), "true"),
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Service:   "syncd",
		Component: component,
	}, os.Stdout)
	return logger.NewSlog(&zl)
}

func buildInfo() metrics.BuildInfo {
	v := os.Getenv("BUILD_VERSION")
	if v == "" {
		v = Version
	}
	return metrics.BuildInfo{
		Version:   v,
		Revision:  os.Getenv("BUILD_REVISION"),
		Branch:    os.Getenv("BUILD_BRANCH"),
		BuildDate: os.Getenv("BUILD_DATE"),
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
