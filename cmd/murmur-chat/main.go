// murmur-chat is a line-oriented terminal client for murmur 1:1 encrypted chat.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"murmur/cmd/internal/chatcli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := chatcli.Main(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
