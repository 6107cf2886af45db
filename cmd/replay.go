package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"devmate/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a captured request",
	Long:  `Execute a captured request by ID and print the result as JSON.`,
	Run: func(cmd *cobra.Command, args []string) {
		runReplay()
	},
}

func init() {
	replayCmd.Flags().StringVar(&requestID, "id", "", "captured request ID")
	replayCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(replayCmd)
}

func runReplay() {
	cfg, db := openStore()
	defer db.Close()

	rec, err := db.GetCapturedRequest(requestID)
	if err != nil {
		log.Fatal("Failed to load request:", err)
	}

	engine := replay.NewEngine(time.Duration(cfg.Replay.TimeoutSeconds)*time.Second, nil)
	result := engine.Replay(rec)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		log.Fatal("Failed to encode result:", err)
	}

	if result.Error != "" && result.Status == nil {
		fmt.Fprintln(os.Stderr, "Replay failed:", result.Error)
		os.Exit(1)
	}
}
