package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/versohq/verso/internal/backend"
)

func newBackendsCmd() *cobra.Command {
	backendsCmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect storage backends",
	}

	var timeout time.Duration
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check that every configured backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfig(); err != nil {
				return err
			}
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reg, err := buildBackends(ctx, cfg)
			if err != nil {
				return err
			}
			return printHealth(cmd.OutOrStdout(), reg.Names(), cfg.Backends.Default, reg.Healthcheck(ctx))
		},
	}
	checkCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "time allowed for all checks")
	backendsCmd.AddCommand(checkCmd)

	return backendsCmd
}

// printHealth writes one row per backend and fails if any is unhealthy.
func printHealth(out io.Writer, names []string, def string, health map[string]backend.HealthStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tDEFAULT\tSTATUS\tMESSAGE")
	unhealthy := 0
	for _, name := range names {
		h, ok := health[name]
		if !ok {
			h = backend.HealthStatus{Code: http.StatusServiceUnavailable, Message: "not checked"}
		}
		marker := ""
		if name == def {
			marker = "*"
		}
		if h.Code != http.StatusOK {
			unhealthy++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, marker, h.Code, h.Message)
	}
	_ = w.Flush()

	if unhealthy > 0 {
		return fmt.Errorf("%d of %d backends unhealthy", unhealthy, len(names))
	}
	return nil
}
