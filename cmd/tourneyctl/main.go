// Command tourneyctl is the small client for tourneyd's one administrative
// control-surface route (spec.md §6): triggering a manual-mode tournament
// start for a given epoch_number.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "tourneyctl",
		Usage: "trigger a manual-mode tournament start on a running tourneyd",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "tourneyd control-surface base URL", Value: "http://127.0.0.1:8645"},
		},
		Commands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "start a tournament for the given epoch_number",
				ArgsUsage: "<epoch_number>",
				Action:    startCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tourneyctl:", err)
		os.Exit(1)
	}
}

func startCmd(c *cli.Context) error {
	epoch := c.Args().First()
	if epoch == "" {
		return cli.Exit("usage: tourneyctl start <epoch_number>", 1)
	}

	url := c.String("addr") + "/tournament/" + epoch + "/start"
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("request to %s failed: %v", url, err), 1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return cli.Exit(fmt.Sprintf("tourneyd returned %s", resp.Status), 1)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cli.Exit(fmt.Sprintf("decode response: %v", err), 1)
	}
	fmt.Printf("tournament %v started for epoch %v\n", body["tournament_id"], body["epoch_number"])
	return nil
}
