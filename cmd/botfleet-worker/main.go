// botfleet-worker is the per-bot process spawned by the botfleet daemon.
// It speaks the supervisor protocol over stdin/stdout; stdout is reserved
// for that protocol, so all logging goes to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/ipc"
	"github.com/botfleet/botfleet/internal/telegram"
	"github.com/botfleet/botfleet/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	botID := flag.String("bot-id", "", "bot identity this worker serves")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *botID == "" {
		fmt.Fprintln(os.Stderr, "botfleet-worker: --bot-id is required")
		return 2
	}
	token := os.Getenv("BOTFLEET_BOT_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "botfleet-worker: BOTFLEET_BOT_TOKEN is not set")
		return 2
	}

	entry := logrus.NewEntry(log)
	conn := ipc.NewConn(os.Stdout, os.Stdin, entry)
	tg := telegram.New(token, os.Getenv("BOTFLEET_API_BASE"), entry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(*botID, conn, tg, entry)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("worker failed")
		return 1
	}
	return 0
}
