// Package main provides the neuroscan CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const version = "v0.1.0-dev"

const usage = `neuroscan - Alzheimer's stage classification from brain MRI slices

Usage:
  neuroscan <command> [flags]

Commands:
  train      Fit the classifier on the dataset and write the best checkpoint
  predict    Classify one or more images
  scan       Count images per class and report unreadable files
  serve      Serve predictions over HTTP
  bot        Serve predictions over Telegram
  history    List training runs and their epochs
  version    Show version

Run 'neuroscan <command> -h' for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command func(ctx context.Context, args []string, stdout, stderr io.Writer) error

var commands = map[string]command{
	"train":   runTrain,
	"predict": runPredict,
	"scan":    runScan,
	"serve":   runServe,
	"bot":     runBot,
	"history": runHistory,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "neuroscan %s\n", version)
		return 0
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err := cmd(ctx, args[1:], stdout, stderr); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
