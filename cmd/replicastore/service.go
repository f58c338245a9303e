package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/replicastore/replicastore/internal/config"
	"github.com/replicastore/replicastore/internal/svc"
)

// serviceConfig resolves the pool's service description from --config.
func serviceConfig(opts *options, user string) (*config.PoolConfig, *svc.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	path, err := filepath.Abs(opts.cfgFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, &svc.Config{Pool: cfg.Name, ConfigPath: path, UserName: user}, nil
}

func newServiceCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the pool as a system service",
	}

	var (
		user  string
		force bool
	)
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the pool as a system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			_, sc, err := serviceConfig(opts, user)
			if err != nil {
				return err
			}
			if err := svc.Install(sc, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Installed service %s\n", svc.Name(sc.Pool))
			return nil
		},
	}
	installCmd.Flags().StringVar(&user, "user", "", "account to run the service as")
	installCmd.Flags().BoolVar(&force, "force", false, "replace an existing installation")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			_, sc, err := serviceConfig(opts, "")
			if err != nil {
				return err
			}
			return svc.Uninstall(sc)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sc, err := serviceConfig(opts, "")
			if err != nil {
				return err
			}
			status, err := svc.Status(sc)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", svc.Name(sc.Pool), svc.StatusString(status))
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the pool under the service manager",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sc, err := serviceConfig(opts, "")
			if err != nil {
				return err
			}
			prg := &svc.Program{
				ConfigPath: sc.ConfigPath,
				Run: func(ctx context.Context, _ string) error {
					return runServe(ctx, cfg, log.Logger, nil)
				},
			}
			return svc.Run(prg, sc)
		},
	}

	cmd.AddCommand(installCmd, uninstallCmd, statusCmd, runCmd)
	for _, action := range []string{"start", "stop", "restart"} {
		cmd.AddCommand(newServiceControlCmd(opts, action))
	}
	return cmd
}

func newServiceControlCmd(opts *options, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: strings.ToUpper(action[:1]) + action[1:] + " the system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			_, sc, err := serviceConfig(opts, "")
			if err != nil {
				return err
			}
			return svc.Control(sc, action)
		},
	}
}
