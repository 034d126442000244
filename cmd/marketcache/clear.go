package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry and all usage statistics",
	RunE:  runClear,
}

var clearYes bool

func init() {
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "confirm removal")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	if !clearYes {
		return fmt.Errorf("refusing to clear without --yes")
	}
	ctx := context.Background()

	c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Clear(ctx); err != nil {
		return err
	}
	fmt.Println("Cache cleared.")
	return nil
}
