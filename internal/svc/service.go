// Package svc installs and runs a pool as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the pool described by the config file until ctx is done.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches the pool in the background. The service manager requires
// Start to return promptly.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the pool and waits for it to shut down.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the service of one pool.
type Config struct {
	Pool       string // Pool name; the service is named after it
	ConfigPath string // Absolute path of the pool configuration
	UserName   string // Account to run as (Linux/macOS only)
}

// Name returns the service name of a pool.
func Name(pool string) string {
	if pool == "" {
		return "replicastore"
	}
	return "replicastore-" + pool
}

// ServiceConfig builds the service manager configuration. The service
// re-executes this binary as "service run --config <path>".
func ServiceConfig(cfg *Config) *service.Config {
	svcCfg := &service.Config{
		Name:        Name(cfg.Pool),
		DisplayName: fmt.Sprintf("Replica Store (%s)", cfg.Pool),
		Description: fmt.Sprintf("Replica repository of storage pool %s", cfg.Pool),
		Arguments:   []string{"service", "run", "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=local-fs.target network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":     "on-failure",
			"RestartSec":  "5",
			"LimitNOFILE": 65536,
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

// New creates the service handle for cfg, driven by prg.
func New(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, ServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install registers the service. An existing installation is replaced only
// with force.
func Install(cfg *Config, force bool) error {
	s, err := New(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed (%s); use --force to reinstall", Name(cfg.Pool), StatusString(status))
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *Config) error {
	s, err := New(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends one of service.ControlAction ("start", "stop", "restart")
// to the installed service.
func Control(cfg *Config, action string) error {
	s, err := New(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the status of the installed service.
func Status(cfg *Config) (service.Status, error) {
	s, err := New(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager and blocks until it stops the
// service. Outside a service manager it runs until interrupted.
func Run(prg *Program, cfg *Config) error {
	s, err := New(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the caller may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clear error when not elevated.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
