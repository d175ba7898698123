// surveyadmin is the command-line interface to the confidential-survey
// service: key management, service setup, survey administration,
// submissions, reveal requests and the oracle daemon.
package main

import (
	"os"

	"go.dedis.ch/onet/v3/log"
	cli "gopkg.in/urfave/cli.v1"
)

var cliApp = cli.NewApp()

var gitTag = "dev"

func init() {
	cliApp.Name = "surveyadmin"
	cliApp.Usage = "Handle the confidential-survey service"
	cliApp.Version = gitTag
	cliApp.Commands = cmds // stored in "commands.go"
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
}

func main() {
	err := cliApp.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
