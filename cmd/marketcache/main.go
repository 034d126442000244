// Package main provides the marketcache CLI tool for inspecting and
// maintaining the persistent tier of a market data cache.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
