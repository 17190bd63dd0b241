package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/willibrandon/cheappipe/internal/arbiter"
	"github.com/willibrandon/cheappipe/internal/config"
	"github.com/willibrandon/cheappipe/internal/daemon"
)

// pipeStatus is what `status` reports about a pipe name.
type pipeStatus struct {
	Pipe      string `json:"pipe"`
	Endpoint  string `json:"endpoint"`
	Owned     bool   `json:"owned"`
	OwnerPID  int    `json:"owner_pid,omitempty"`
	Listening bool   `json:"listening"`
	Service   string `json:"service"`
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the pipe is owned and by whom",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			status, err := getPipeStatus(cfg)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return fmt.Errorf("error encoding JSON: %w", err)
				}
			} else if err := printPipeStatus(status); err != nil {
				return err
			}

			if !status.Owned {
				os.Exit(daemon.ExitNotRunning)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func getPipeStatus(cfg *config.Config) (*pipeStatus, error) {
	name := cfg.Pipe.Name
	tr := transport(cfg)
	status := &pipeStatus{
		Pipe:     name,
		Endpoint: tr.Path(name),
	}

	// The name is owned if the lock cannot be taken right now.
	lock, err := arbiter.OpenNamedLock(name, lockDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open ownership lock: %w", err)
	}
	acquired, err := lock.TryLock()
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("failed to probe ownership lock: %w", err)
	}
	lock.Close()
	status.Owned = !acquired

	if status.Owned {
		pid, err := daemon.CheckPIDFile(daemon.OwnerPIDFile(lockDir(cfg), name))
		if err != nil && !errors.Is(err, daemon.ErrStalePIDFile) {
			return nil, err
		}
		status.OwnerPID = pid
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if conn, err := tr.Dial(ctx, name); err == nil {
		conn.Close()
		status.Listening = true
	}

	if svc, err := daemon.GetStatus(name); err == nil {
		status.Service = svc.State
	}

	return status, nil
}

func printPipeStatus(status *pipeStatus) error {
	owner := "none"
	if status.Owned {
		owner = "owned"
		if status.OwnerPID > 0 {
			owner += " (pid " + strconv.Itoa(status.OwnerPID) + ")"
		}
	}

	data := pterm.TableData{
		{"Pipe", status.Pipe},
		{"Endpoint", status.Endpoint},
		{"Owner", owner},
		{"Listening", strconv.FormatBool(status.Listening)},
		{"Service", status.Service},
	}
	return pterm.DefaultTable.WithData(data).Render()
}
