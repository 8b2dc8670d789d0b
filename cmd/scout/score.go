package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutcrm/scout/internal/scoring"
)

// scoreCmd scores a deal snapshot from a JSON file without touching the
// server or any stored jobs.
var scoreCmd = &cobra.Command{
	Use:   "score <deal.json>",
	Short: "Score a deal snapshot offline",
	Long: `Score a deal snapshot offline.

The input file is a JSON object with the deal fields the scoring engine
reads:

  {
    "amount": 150000,
    "dealstage": "negotiation",
    "closedate": "2026-09-01T00:00:00Z",
    "lastActivity": "2026-08-25T00:00:00Z",
    "companyCount": 2,
    "contactCount": 4
  }`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading snapshot: %w", err)
		}

		var snap scoring.DealSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("parsing snapshot: %w", err)
		}

		score := scoring.Score(snap, time.Now().UTC())
		out, err := json.MarshalIndent(score, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding score: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}
