// Command provharness drives sandboxed messaging provider modules through
// their send, ingress and webhook operations.
package main

import (
	"context"
	"os"

	"github.com/roach88/provharness/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
