// Command agent is the dispatch core's entrypoint: it wires config,
// metrics, the orchestration client, and the dispatcher front-end
// together behind a small cobra CLI, grounded on
// ChuLiYu-raft-recovery/internal/cli/cli.go's BuildCLI shape.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
