package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// Best-effort .env preload so local runs pick up broker settings without
	// exporting them. Missing file is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "pubsub",
		Usage: "Provision, publish to and listen on pubsub channels",
		Commands: []*cli.Command{
			{
				Name:   "provision",
				Usage:  "Create a channel and optionally a subscription, idempotently",
				Flags:  provisionFlags(),
				Action: provision,
			},
			{
				Name:   "publish",
				Usage:  "Publish messages to a channel",
				Flags:  publishFlags(),
				Action: publish,
			},
			{
				Name:   "listen",
				Usage:  "Listen on a subscription and log every delivery",
				Flags:  listenFlags(),
				Action: listen,
			},
			{
				Name:   "remove",
				Usage:  "Delete a subscription and stop its deliveries",
				Flags:  removeFlags(),
				Action: remove,
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
