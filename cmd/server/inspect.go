package main

import (
	"github.com/spf13/cobra"

	"stageflow/backend/internal/inspect"
	"stageflow/backend/internal/lifecycle"
)

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var formatFlag string
	cmd := &cobra.Command{
		Use:   "inspect <process-id>",
		Short: "Show a process with its stages, current stage and audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := inspect.ParseFormat(formatFlag)
			if err != nil {
				return err
			}
			repo, pool, err := ctx.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			engine := lifecycle.New(repo, lifecycle.WithLogger(ctx.logger()))
			view, err := engine.GetProcessView(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return inspect.Render(cmd.OutOrStdout(), view, format)
		},
	}
	cmd.Flags().StringVarP(&formatFlag, "format", "o", "auto", "Output format: auto, table or json")
	return cmd
}
