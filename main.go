// Command gridfetch collects electricity grid data in batches.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/gridfetch/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
