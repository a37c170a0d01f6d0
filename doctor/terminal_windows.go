//go:build windows

package doctor

import (
	"fmt"
	"os"
	"os/signal"
)

func resetTerminal() {
	// Not needed on Windows
}

func setupInterruptHandler() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		resetTerminal()
		fmt.Println("\nInterrupted, doctor aborted")
		os.Exit(1)
	}()
}
