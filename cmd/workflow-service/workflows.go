package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/matthewmarion/workflow-service/internal/jobs"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Register the workflow catalog and list the known workflows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		list, err := jobs.ListWorkflows(ctx, a.store)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tDEFINITION\tSCHEMA")
		for _, w := range list {
			schema := "no"
			if len(w.InputSchema) > 0 {
				schema = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", w.Name, w.Definition, schema)
		}
		return tw.Flush()
	},
}
