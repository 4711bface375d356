// Command formzctl evaluates visibility and invoice rules against a local
// fixture file, without a database or a running server.
package main

import (
	"context"
	"log/slog"
	"os"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("formzctl failed", "error", err)
		os.Exit(1)
	}
}
