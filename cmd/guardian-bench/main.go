package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:        "guardian-bench",
		Usage:       "Benchmark tool for guardian sessions",
		Description: "Submit keygen, signing and import requests as the coordinator and report latency",
		Commands: []*cli.Command{
			keygenBenchmarkCommand(),
			signBenchmarkCommand(),
			importBenchmarkCommand(),
			keysharesCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Path to configuration file",
				Aliases:  []string{"c"},
				Category: "connection",
			},
			&cli.StringFlag{
				Name:     "identity-dir",
				Usage:    "Directory holding the coordinator identity",
				Value:    "identity",
				Category: "authentication",
			},
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Coordinator identity name",
				Value:    "coordinator",
				Category: "authentication",
			},
			&cli.StringFlag{
				Name:     "password",
				Usage:    "Passphrase of an age-encrypted coordinator key",
				Category: "authentication",
			},
			&cli.StringSliceFlag{
				Name:     "guardians",
				Usage:    "Guardian ids in index order, index 1 first (comma separated)",
				Aliases:  []string{"g"},
				Required: true,
				Category: "policy",
			},
			&cli.IntFlag{
				Name:     "threshold",
				Usage:    "Signing threshold",
				Value:    2,
				Category: "policy",
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func benchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "timeout",
			Usage:   "Timeout per operation in seconds",
			Value:   30,
			Aliases: []string{"t"},
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "Number of operations per batch",
			Value:   10,
			Aliases: []string{"b"},
		},
	}
}

func keygenBenchmarkCommand() *cli.Command {
	return &cli.Command{
		Name:      "keygen",
		Usage:     "Benchmark distributed key generation",
		ArgsUsage: "<num_operations>",
		Action:    runKeygenBenchmark,
		Flags:     benchFlags(),
	}
}

func signBenchmarkCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Benchmark threshold signing with an existing key",
		ArgsUsage: "<num_operations> <key_id>",
		Action:    runSignBenchmark,
		Flags: append(benchFlags(), &cli.StringSliceFlag{
			Name:  "signers",
			Usage: "Guardian ids taking part in signing, defaults to the first threshold guardians",
		}),
	}
}
