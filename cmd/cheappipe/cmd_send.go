package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/willibrandon/cheappipe/internal/logger"
)

func newSendCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a message to the pipe",
		Long: `Send one message to the process that owns the pipe.

The arguments are joined with spaces. Without arguments the message is read
from standard input, which must not be a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			initLogger(cfg)
			defer logger.Close()

			payload, err := messagePayload(args)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := transport(cfg).Send(ctx, cfg.Pipe.Name, payload); err != nil {
				logger.Error("Send failed", "pipe", cfg.Pipe.Name, "error", err)
				return err
			}
			logger.Debug("Message sent", "pipe", cfg.Pipe.Name, "bytes", len(payload))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up if the message is not drained in time")
	return cmd
}

func messagePayload(args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(strings.Join(args, " ")), nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no message given; pass text or pipe it on stdin")
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return data, nil
}
