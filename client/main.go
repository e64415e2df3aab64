// The raffle command talks to the raffle and oracle services of a conode.
package main

import (
	"os"

	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "raffle"
	app.Usage = "enter, draw and inspect a periodic raffle"
	app.Version = "0.1"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
		cli.StringFlag{
			Name:  "roster, r",
			Value: "public.toml",
			Usage: "group file of the conode running the raffle",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	app.Commands = commands
	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

var commands = []cli.Command{
	{
		Name:   "keygen",
		Usage:  "create a player key pair",
		Action: keygen,
	},
	{
		Name:   "deploy",
		Usage:  "deploy the raffle of a network",
		Action: deploy,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "config, c", Usage: "deployment file, built-in defaults if empty"},
			cli.StringFlag{Name: "network, n", Value: "localhost", Usage: "network to deploy"},
		},
	},
	{
		Name:   "deposit",
		Usage:  "credit an account from the faucet of a development network",
		Action: deposit,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "address, a", Usage: "hex address"},
			cli.Uint64Flag{Name: "amount", Usage: "amount to credit"},
		},
	},
	{
		Name:   "enter",
		Usage:  "enter the current round",
		Action: enter,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "key, k", Usage: "hex private key"},
			cli.Uint64Flag{Name: "amount", Usage: "amount to pay, the entrance fee if 0"},
			cli.Uint64Flag{Name: "nonce", Usage: "ticket nonce, the next one of the account if 0"},
		},
	},
	{
		Name:   "check",
		Usage:  "tell whether a draw is due",
		Action: check,
	},
	{
		Name:   "perform",
		Usage:  "trigger the draw",
		Action: perform,
	},
	{
		Name:   "oracle",
		Usage:  "set the oracle fees and its automatic fulfilment",
		Action: oracle,
		Flags: []cli.Flag{
			cli.Uint64Flag{Name: "base-fee", Usage: "fee per fulfilment"},
			cli.Uint64Flag{Name: "gas-price", Usage: "fee per million units of callback gas"},
			cli.DurationFlag{Name: "delay", Usage: "answer requests after this delay"},
			cli.DurationFlag{Name: "retry", Usage: "retry pending requests this often, 10s if 0"},
			cli.BoolFlag{Name: "manual", Usage: "stop automatic fulfilment"},
		},
	},
	{
		Name:   "fulfill",
		Usage:  "make the oracle answer a pending request",
		Action: fulfill,
		Flags: []cli.Flag{
			cli.Uint64Flag{Name: "request", Usage: "request id, every pending request if 0"},
		},
	},
	{
		Name:   "status",
		Usage:  "print the round",
		Action: status,
	},
	{
		Name:   "player",
		Usage:  "print the player at an index",
		Action: player,
		Flags: []cli.Flag{
			cli.IntFlag{Name: "index, i", Usage: "entry index"},
		},
	},
	{
		Name:   "balance",
		Usage:  "print the account of an address",
		Action: balance,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "address, a", Usage: "hex address"},
		},
	},
	{
		Name:   "history",
		Usage:  "print the past draws",
		Action: history,
	},
	{
		Name:   "keeper",
		Usage:  "poll the raffle and trigger draws until interrupted",
		Action: runKeeper,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "schedule, s", Value: "@every 1s", Usage: "cron schedule"},
		},
	},
	{
		Name:   "serve",
		Usage:  "serve a read-only HTTP view of the raffle",
		Action: serve,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "listen, l", Value: "localhost:8080", Usage: "listen address"},
		},
	},
}
