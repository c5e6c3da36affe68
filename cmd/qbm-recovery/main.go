// Package main provides the qbm-recovery CLI entry point.
// qbm-recovery restores torrents from qBit Manage recycle bins.
package main

import (
	"fmt"
	"os"

	"github.com/qbitmanage/qbm-recovery/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
