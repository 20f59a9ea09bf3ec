package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/client"
	"github.com/fystack/mpcium-guardian/pkg/types"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func importBenchmarkCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Benchmark importing dealer-split keys",
		ArgsUsage: "<num_operations>",
		Action:    runImportBenchmark,
		Flags: append(benchFlags(), &cli.StringFlag{
			Name:  "seed-file",
			Usage: "File holding a hex Ed25519 seed to import once instead of fresh keys",
		}),
	}
}

func keysharesCommand() *cli.Command {
	return &cli.Command{
		Name:   "keyshares",
		Usage:  "List the shares every guardian holds",
		Action: runKeyshares,
		Flags: []cli.Flag{&cli.IntFlag{
			Name:    "timeout",
			Usage:   "Seconds to wait for every guardian",
			Value:   10,
			Aliases: []string{"t"},
		}},
	}
}

func readSeed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("seed file is not hex: %w", err)
	}
	return seed, nil
}

func runImportBenchmark(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("missing required argument: num_operations")
	}
	n, err := parseNumOps(cmd.Args().Get(0))
	if err != nil {
		return err
	}
	var seed []byte
	if path := cmd.String("seed-file"); path != "" {
		if seed, err = readSeed(path); err != nil {
			return err
		}
		n = 1
	}
	policy := guardianPolicy(cmd)

	return runBenchmark(ctx, cmd, "Import", n, func(ctx context.Context, c *client.Client, i int) (string, int, error) {
		keyID := "import-" + uuid.Must(uuid.NewV7()).String()
		sid, err := c.Import(ctx, keyID, policy, seed)
		return sid, len(policy.Participants), err
	})
}

func runKeyshares(ctx context.Context, cmd *cli.Command) error {
	c, cleanup, err := createClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	guardians := cmd.StringSlice("guardians")
	sid, err := c.KeyshareInfo(ctx, guardians...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Int("timeout"))*time.Second)
	defer cancel()
	resps, err := c.Await(ctx, sid, len(guardians))
	if err != nil {
		return err
	}
	printHoldings(resps)
	return nil
}

func printHoldings(resps []types.Response) {
	slices.SortFunc(resps, func(a, b types.Response) int { return strings.Compare(a.GuardianID, b.GuardianID) })
	for _, r := range resps {
		if r.Status != types.StatusCompleted {
			fmt.Printf("%s\t%s\t%s\n", r.GuardianID, r.ErrorCode, r.ErrorReason)
			continue
		}
		if len(r.Holdings) == 0 {
			fmt.Printf("%s\tno shares\n", r.GuardianID)
		}
		for _, h := range r.Holdings {
			fmt.Printf("%s\t%s\tindex=%d\tv%d\t%s\n", r.GuardianID, h.KeyID, h.Index, h.Version, h.Status)
		}
	}
}
