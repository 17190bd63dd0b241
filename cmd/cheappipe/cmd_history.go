package main

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/willibrandon/cheappipe/internal/journal"
)

const previewLength = 60

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List messages recorded in the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			jr, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer jr.Close()

			filter := cfg.Pipe.Name
			if all {
				filter = ""
			}
			entries, err := jr.Recent(context.Background(), filter, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				pterm.Info.Println("No messages recorded in " + jr.Path())
				return nil
			}

			data := pterm.TableData{{"ID", "Pipe", "Received", "Size", "Message"}}
			for _, e := range entries {
				data = append(data, []string{
					strconv.FormatInt(e.ID, 10),
					e.Pipe,
					humanize.Time(e.ReceivedAt),
					humanize.Bytes(uint64(e.Size)),
					preview(e.Payload),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", journal.DefaultLimit, "maximum number of messages")
	cmd.Flags().BoolVar(&all, "all", false, "include every pipe, not just --name")
	return cmd
}

// preview returns the first line of payload, shortened for a table cell.
func preview(payload []byte) string {
	if !utf8.Valid(payload) {
		return "<binary>"
	}
	text, _, _ := strings.Cut(string(payload), "\n")
	if utf8.RuneCountInString(text) > previewLength {
		runes := []rune(text)
		text = string(runes[:previewLength-1]) + "…"
	}
	return text
}
