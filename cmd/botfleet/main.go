// botfleet is the fleet daemon and CLI for running many Telegram bots,
// one isolated worker process per bot.
package main

import (
	"os"

	"github.com/botfleet/botfleet/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
