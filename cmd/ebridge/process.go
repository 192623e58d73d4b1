package main

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

// detachProcess configures cmd to run in its own session, so it survives
// after this CLI process exits, matching the "spawn the daemon in a
// detached session" requirement for start.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// releaseProcess detaches cmd's process handle from this process so the
// OS doesn't treat it as a child the CLI must reap.
func releaseProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Release()
	}
}

// waitForInterrupt blocks until SIGINT or SIGTERM, for the long-running
// capture/watch subcommands.
func waitForInterrupt() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
}
