package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/willibrandon/cheappipe/internal/daemon"
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the listener as an OS service",
	}
	cmd.AddCommand(
		newServiceInstallCmd(),
		newServiceUninstallCmd(),
		newServiceStartCmd(),
		newServiceStopCmd(),
		newServiceStatusCmd(),
	)
	return cmd
}

// exitOnServiceError prints err and exits with the code matching its kind.
func exitOnServiceError(err error, fallback int) {
	var permErr *daemon.PermissionError
	switch {
	case errors.As(err, &permErr):
		fmt.Fprintf(os.Stderr, "Error: %v\n", permErr)
		os.Exit(daemon.ExitPermissionDenied)
	case errors.Is(err, daemon.ErrServiceInstalled):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use 'cheappipe service uninstall' first to reinstall\n")
		os.Exit(daemon.ExitServiceExists)
	case errors.Is(err, daemon.ErrServiceNotInstalled):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'cheappipe service install' first\n")
		os.Exit(daemon.ExitServiceNotFound)
	case errors.Is(err, daemon.ErrServiceRunning):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitAlreadyRunning)
	case errors.Is(err, daemon.ErrServiceNotRunning):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitNotRunning)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(fallback)
}

func newServiceInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the listener as a service that starts on boot",
		Long: `Install "cheappipe listen" for the configured pipe as a service.

Use --user to install as a user service (no elevated privileges required).
System service installation requires administrator/root privileges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			err := daemon.Install(daemon.ServiceConfig{
				Pipe:       cfg.Pipe.Name,
				ConfigPath: configPath,
				UserMode:   userMode,
				Debug:      debug,
			})
			if err != nil {
				exitOnServiceError(err, daemon.ExitConfigError)
			}

			fmt.Printf("%s installed successfully\n", daemon.ServiceName(cfg.Pipe.Name))
			fmt.Println("\nTo start the service:")
			fmt.Printf("  cheappipe service start --name %s\n", cfg.Pipe.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&userMode, "user", false, "install as user service instead of system")
	return cmd
}

func newServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := daemon.Uninstall(cfg.Pipe.Name); err != nil {
				exitOnServiceError(err, daemon.ExitStopFailed)
			}
			fmt.Printf("%s uninstalled\n", daemon.ServiceName(cfg.Pipe.Name))
			return nil
		},
	}
}

func newServiceStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the installed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := daemon.StartService(cfg.Pipe.Name); err != nil {
				exitOnServiceError(err, daemon.ExitStartFailed)
			}
			fmt.Printf("%s started\n", daemon.ServiceName(cfg.Pipe.Name))
			return nil
		},
	}
}

func newServiceStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := daemon.StopService(cfg.Pipe.Name); err != nil {
				exitOnServiceError(err, daemon.ExitStopFailed)
			}
			fmt.Printf("%s stopped\n", daemon.ServiceName(cfg.Pipe.Name))
			return nil
		},
	}
}

func newServiceStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			status, err := daemon.GetStatus(cfg.Pipe.Name)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return fmt.Errorf("error encoding JSON: %w", err)
				}
			} else {
				fmt.Printf("%s: %s\n", status.Name, status.State)
			}

			switch status.State {
			case "running":
				return nil
			case "not_installed":
				os.Exit(daemon.ExitServiceNotFound)
			default:
				os.Exit(daemon.ExitStopFailed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}
