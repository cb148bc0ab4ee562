package main

import (
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignal delivers the first interrupt or terminate signal.
func shutdownSignal() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}
