// Command admin inspects and audits the consent and fetch records stored
// in PostgreSQL.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, "admin")
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&consentsCmd{}, "consents")
	commander.Register(&eventsCmd{}, "consents")
	commander.Register(&verifyCmd{}, "consents")
	commander.Register(&batchesCmd{}, "fetch")
	commander.Register(&payloadCmd{}, "fetch")
	commander.Register(&tokenCmd{}, "auth")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
