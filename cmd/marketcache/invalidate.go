package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate [PATTERN]",
	Short: "Remove every entry whose key matches a glob pattern",
	Long: `Remove every persisted entry whose key matches PATTERN.

PATTERN uses shell glob syntax: '*' matches any run of characters except
'/', '?' matches one character and [...] matches a character class.

Examples:
  marketcache invalidate quote:AAPL
  marketcache invalidate 'charts:*'`,
	Args: cobra.ExactArgs(1),
	RunE: runInvalidate,
}

func init() {
	rootCmd.AddCommand(invalidateCmd)
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	pattern := args[0]
	ctx := context.Background()

	c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.Invalidate(ctx, pattern)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d entries matching %q.\n", n, pattern)
	return nil
}
