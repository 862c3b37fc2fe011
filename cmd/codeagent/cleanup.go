package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/codeagent/internal/logger"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove log files whose owning process has exited",
		Args:  cobra.NoArgs,
		RunE:  runCleanup,
	}
}

func runCleanup(cmd *cobra.Command, args []string) error {
	stats, err := logger.CleanupOldLogs()
	if err != nil {
		return fail(fmt.Errorf("cleanup failed: %w", err))
	}

	fmt.Println("Cleanup completed")
	fmt.Printf("Files scanned: %d\n", stats.Scanned)
	fmt.Printf("Files deleted: %d\n", stats.Deleted)
	for _, f := range stats.DeletedFiles {
		fmt.Printf("  - %s\n", f)
	}
	fmt.Printf("Files kept: %d\n", stats.Kept)
	for _, f := range stats.KeptFiles {
		fmt.Printf("  - %s\n", f)
	}
	if stats.Errors > 0 {
		fmt.Printf("Deletion errors: %d\n", stats.Errors)
	}
	return nil
}
