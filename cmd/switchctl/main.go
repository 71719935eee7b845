// Command switchctl is the client of the guardian switch: owners create and
// check in on switches, guardians register and release shares, recipients
// recover messages and anyone can inspect a switch's status.
package main

import (
	"log"
	"os"

	"github.com/ruteri/guardian-switch/cmd/flags"
	"github.com/urfave/cli/v2"
)

var globalFlags = append([]cli.Flag{
	flags.ConfigFlag,
	flags.ChannelFlag,
	flags.DNSServerFlag,
	flags.LogServiceFlagFn("switchctl"),
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:  "switchctl",
		Usage: "Create, maintain and recover guardian switches",
		Flags: globalFlags,
		Commands: []*cli.Command{
			keygenCommand,
			createCommand,
			ownerCommand("checkin", "Publish a heartbeat, resetting the deadline", checkIn),
			ownerCommand("cancel", "Cancel an armed switch permanently", cancel),
			ownerCommand("revive", "Re-arm a triggered switch before the release becomes irrevocable", revive),
			statusCommand,
			acceptCommand,
			releaseCommand,
			recoverCommand,
			registerCommand,
			guardiansCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
