package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/queue"
)

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Return any in-flight processing/ files to incoming/ and exit",
		Long:  "Runs FileQueue.Recover once: every file left in processing/ from an unclean shutdown is renamed back to incoming/ so the next serve picks it up (spec.md §4.1 crash recovery).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			q, err := queue.New(cfg.Workspace.Path)
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}
			n, err := q.Recover()
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			fmt.Fprintf(os.Stdout, "recovered %d in-flight message(s)\n", n)
			return nil
		},
	}
}
