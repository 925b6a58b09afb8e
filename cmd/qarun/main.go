// Command qarun records manual test runs and reports coverage.
package main

import "github.com/mesh-intelligence/qarun/internal/cli"

func main() {
	cli.Execute()
}
