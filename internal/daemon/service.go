package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/kardianos/service"
)

// Exit codes for CLI commands
const (
	ExitSuccess          = 0
	ExitPermissionDenied = 1
	ExitServiceNotFound  = 1
	ExitNotRunning       = 1
	ExitServiceExists    = 2
	ExitAlreadyRunning   = 2
	ExitStopFailed       = 2
	ExitConfigError      = 3
	ExitStartFailed      = 3
)

var (
	ErrServiceNotInstalled = errors.New("service not installed")
	ErrServiceInstalled    = errors.New("service already installed")
	ErrServiceRunning      = errors.New("service already running")
	ErrServiceNotRunning   = errors.New("service not running")
)

// Runner is the work a service performs until ctx is cancelled.
type Runner func(ctx context.Context) error

// ServiceConfig holds configuration for creating the service.
type ServiceConfig struct {
	// Pipe is the pipe name the service listens on; it is part of the service name.
	Pipe       string
	ConfigPath string
	UserMode   bool
	Debug      bool
	// Run is only needed when the service manager launches the process.
	Run Runner
}

// ServiceName returns the OS service name for pipe.
func ServiceName(pipe string) string {
	return "cheappipe-" + pipe
}

// program implements service.Program around a Runner.
type program struct {
	run    Runner
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

// Start must return quickly, so the runner goes to a goroutine.
func (p *program) Start(s service.Service) error {
	if p.run == nil {
		return errors.New("no runner configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := p.run(ctx); err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			fmt.Fprintf(os.Stderr, "Listener error: %v\n", err)
			// Let the service manager restart us.
			if !service.Interactive() {
				os.Exit(ExitStartFailed)
			}
		}
	}()

	return nil
}

// Stop cancels the runner and waits for it to return.
func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// NewService creates a service definition for the pipe.
func NewService(svcConfig ServiceConfig) (service.Service, error) {
	prg := &program{run: svcConfig.Run}

	cfg := &service.Config{
		Name:        ServiceName(svcConfig.Pipe),
		DisplayName: fmt.Sprintf("cheappipe listener (%s)", svcConfig.Pipe),
		Description: "Receives messages sent to a named pipe shared by cheappipe instances.",
	}

	userMode := svcConfig.UserMode
	if !userMode {
		userMode = isUserServiceInstalled(cfg.Name)
	}
	if userMode {
		cfg.Option = service.KeyValue{
			"UserService": true,
		}
	}

	switch runtime.GOOS {
	case "darwin":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		})
	case "linux":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"Restart": "on-failure",
		})
	case "windows":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   10,
		})
	}

	cfg.Arguments = ServiceArguments(svcConfig)

	return service.New(prg, cfg)
}

// ServiceArguments returns the command line the service manager starts.
func ServiceArguments(svcConfig ServiceConfig) []string {
	args := []string{"listen", "--service", "--name", svcConfig.Pipe}
	if svcConfig.ConfigPath != "" {
		args = append(args, "--config", svcConfig.ConfigPath)
	}
	if svcConfig.Debug {
		args = append(args, "--debug")
	}
	return args
}

func mergeOptions(base, additional service.KeyValue) service.KeyValue {
	if base == nil {
		base = service.KeyValue{}
	}
	for k, v := range additional {
		base[k] = v
	}
	return base
}

// Install installs the service.
func Install(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err == nil && status != service.StatusUnknown {
		return ErrServiceInstalled
	}

	if err := svc.Install(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to install service: %w", err)
	}

	return nil
}

// Uninstall stops and removes the service.
func Uninstall(pipe string) error {
	svc, err := NewService(ServiceConfig{Pipe: pipe})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil || status == service.StatusUnknown {
		return ErrServiceNotInstalled
	}

	if status == service.StatusRunning {
		_ = svc.Stop()
	}

	if err := svc.Uninstall(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to uninstall service: %w", err)
	}

	return nil
}

// StartService starts the installed service.
func StartService(pipe string) error {
	svc, err := NewService(ServiceConfig{Pipe: pipe})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return ErrServiceNotInstalled
	}
	if status == service.StatusRunning {
		return ErrServiceRunning
	}

	if err := svc.Start(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to start service: %w", err)
	}

	return nil
}

// StopService stops the running service.
func StopService(pipe string) error {
	svc, err := NewService(ServiceConfig{Pipe: pipe})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return ErrServiceNotInstalled
	}
	if status != service.StatusRunning {
		return ErrServiceNotRunning
	}

	if err := svc.Stop(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to stop service: %w", err)
	}

	return nil
}

// ServiceStatus reports the state of the service for a pipe.
type ServiceStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// GetStatus retrieves the service status.
func GetStatus(pipe string) (*ServiceStatus, error) {
	svc, err := NewService(ServiceConfig{Pipe: pipe})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	status := &ServiceStatus{Name: ServiceName(pipe)}

	svcStatus, err := svc.Status()
	if err != nil {
		status.State = "not_installed"
		return status, nil
	}

	switch svcStatus {
	case service.StatusRunning:
		status.State = "running"
	case service.StatusStopped:
		status.State = "stopped"
	default:
		status.State = "unknown"
	}
	return status, nil
}

// RunService hands control to the service manager and blocks until it stops
// the service. Interactive runs behave like a foreground process.
func RunService(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return svc.Run()
}

// PermissionError indicates an operation requires elevated privileges.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if runtime.GOOS == "windows" {
		return "administrator privileges required"
	}
	return "permission denied (try with sudo)"
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// isUserServiceInstalled checks if the service plist exists in the user's LaunchAgents.
func isUserServiceInstalled(name string) bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(homeDir, "Library", "LaunchAgents", name+".plist"))
	return err == nil
}
