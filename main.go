// dotci is a local first CI/CD pipeline runner.
//
// dotci runs a test matrix as isolated jobs in Docker containers or host
// shells, merges and reports their coverage, and cuts and publishes a
// release for pushes to the trunk branch.
package main

import (
	"github.com/opnlabs/dotci/cmd/dotci"
)

func main() {
	dotci.Execute()
}
