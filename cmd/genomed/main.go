// Command genomed runs the genome runtime HTTP service and manages its
// layer store and genome database.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := buildRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "genomed:", err)
		os.Exit(1)
	}
}
