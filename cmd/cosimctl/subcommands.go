package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/internal/companion"
	"github.com/3cpo-dev/cosimctl/internal/config"
	"github.com/3cpo-dev/cosimctl/internal/health"
	"github.com/3cpo-dev/cosimctl/internal/orchestrator"
	"github.com/3cpo-dev/cosimctl/internal/registry"
	"github.com/3cpo-dev/cosimctl/internal/signals"
	"github.com/3cpo-dev/cosimctl/internal/telemetry"
	"github.com/3cpo-dev/cosimctl/internal/transport"
	"github.com/3cpo-dev/cosimctl/pkg/api"
)

// remoteClient connects to the hub at cfg.Transport.Remote, through SSH when configured.
func remoteClient(ctx context.Context, cfg config.Config) (*transport.Client, func(), error) {
	opts := []transport.ClientOption{transport.WithToken(cfg.Transport.Token)}
	tlsCfg, err := transport.LoadClientTLSConfig()
	if err != nil {
		return nil, nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, transport.WithTLS(tlsCfg))
	}
	closer := func() {}
	if ssh := cfg.Transport.SSH; ssh.Addr != "" {
		tunnel, err := transport.DialTunnel(ctx, transport.SSHConfig{
			Addr:       ssh.Addr,
			User:       ssh.User,
			KeyPath:    ssh.KeyPath,
			KnownHosts: ssh.KnownHosts,
			Timeout:    30 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("bastion", ssh.Addr).Msg("transport tunnelled over ssh")
		opts = append(opts, transport.WithDialer(tunnel.DialContext))
		closer = func() { _ = tunnel.Close() }
	}
	client, err := transport.NewClient(cfg.Transport.Remote, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return client, closer, nil
}

func startMonitoring(cfg config.Config, keeper *health.Keeper) func() {
	collector := telemetry.InitGlobal(cfg.Telemetry.Enabled, 30*time.Second)
	if cfg.Telemetry.MonitoringAddr == "" {
		return telemetry.Shutdown
	}
	ms := telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, collector)
	ms.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck(1000, 5000))
	if keeper != nil {
		ms.RegisterHealthCheck("global_state", globalStateCheck(keeper))
	}
	go func() {
		if err := ms.Start(); err != nil {
			log.Error().Err(err).Msg("monitoring server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ms.Shutdown(ctx)
		telemetry.Shutdown()
	}
}

func globalStateCheck(keeper *health.Keeper) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		state := keeper.Current()
		status := telemetry.HealthStatusHealthy
		switch state {
		case api.StateError:
			status = telemetry.HealthStatusUnhealthy
		case api.StateUnknown:
			status = telemetry.HealthStatusDegraded
		}
		return telemetry.HealthCheck{
			Name:    "global_state",
			Status:  status,
			Message: string(state),
			Details: map[string]string{"updated_at": keeper.UpdatedAt().Format(time.RFC3339)},
		}
	}
}

// Run the orchestrator
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register the orchestrator and execute steering commands until END or a fatal error",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			local, _ := cmd.Flags().GetBool("local")
			id, _ := cmd.Flags().GetString("id")
			script, _ := cmd.Flags().GetString("script")
			ctx := cmd.Context()

			store, err := registry.Open(cfg.Registry.Path)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer store.Close()

			var comm channel.Communicator
			if local || cfg.Transport.Remote == "" {
				hub := channel.NewHub(channel.DefaultQueueSize)
				defer hub.Close()
				comm = hub
			} else {
				client, closeTunnel, err := remoteClient(ctx, cfg)
				if err != nil {
					return err
				}
				defer closeTunnel()
				comm = client
			}

			keeper := health.NewKeeper(store, cfg.Health.PollInterval)
			defer keeper.Finalize()
			alarm := signals.NewMonitor(cfg.Alarm.Timeout)
			defer alarm.Finalize()
			defer startMonitoring(cfg, keeper)()

			companionCtx, stopCompanions := context.WithCancel(ctx)
			defer stopCompanions()
			var companions *companion.Local
			if local {
				companions = companion.NewLocal(store, comm, cfg.Local.Workers, cfg.Local.MinDelays)
				if err := companions.Start(companionCtx); err != nil {
					return err
				}
				for _, word := range strings.Split(script, ",") {
					msg, ok := api.ParseControl(word)
					if !ok {
						return fmt.Errorf("unknown control message %q in script", word)
					}
					if err := comm.Send(ctx, msg, cfg.Channels.OrchestratorIn); err != nil {
						return err
					}
				}
			}

			o := orchestrator.New(orchestrator.Config{
				ID:       id,
				Endpoint: api.Endpoint{In: cfg.Channels.OrchestratorIn, Out: cfg.Channels.OrchestratorOut},
			}, store, comm, keeper, alarm)
			runErr := o.Run(ctx)

			if companions != nil {
				if runErr != nil {
					stopCompanions()
				}
				err := companions.Wait()
				if err != nil && !errors.Is(err, companion.ErrAborted) && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("companions stopped with error")
				}
			}
			if runErr != nil {
				return runErr
			}
			if step, ok := o.MinStepSize(); ok {
				fmt.Printf("run %s completed, min step size %g\n", o.RunID(), step)
			}
			return nil
		},
	}
	cmd.Flags().Bool("local", false, "run command-and-control and workers in process and feed --script")
	cmd.Flags().String("id", "", "orchestrator id (default: pid)")
	cmd.Flags().String("script", "INIT,START,END", "control messages fed in --local mode")
	return cmd
}

// Serve the channels over HTTP
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a channel hub over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("listen")
			if addr == "" {
				addr = cfg.Transport.Listen
			}
			if addr == "" {
				addr = ":8088"
			}
			queue, _ := cmd.Flags().GetInt("queue")
			withCompanions, _ := cmd.Flags().GetBool("companions")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hub := channel.NewHub(queue)
			defer hub.Close()
			defer startMonitoring(cfg, nil)()

			if withCompanions {
				store, err := registry.Open(cfg.Registry.Path)
				if err != nil {
					return fmt.Errorf("open registry: %w", err)
				}
				defer store.Close()
				companions := companion.NewLocal(store, hub, cfg.Local.Workers, cfg.Local.MinDelays)
				if err := companions.Start(ctx); err != nil {
					return err
				}
				go func() {
					if err := companions.Wait(); err != nil {
						log.Warn().Err(err).Msg("companions stopped")
					}
				}()
			}

			srv := &transport.Server{Version: version, Token: cfg.Transport.Token, Hub: hub}
			errc := make(chan error, 1)
			go func() {
				if tlsCfg := transport.LoadMTLSConfig(); tlsCfg.Enabled() {
					errc <- srv.ListenAndServeTLS(addr, tlsCfg)
					return
				}
				errc <- srv.ListenAndServe(addr)
			}()
			fmt.Fprintf(os.Stdout, "cosimctl listening on %s\n", addr)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			fmt.Fprintln(os.Stdout, "cosimctl shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hub.Close()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("listen", "", "listen address (default from config, :8088)")
	cmd.Flags().Int("queue", channel.DefaultQueueSize, "per-channel queue size")
	cmd.Flags().Bool("companions", false, "also run command-and-control and workers against the registry")
	return cmd
}

// Send a control message
func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "send <INIT|START|END|FATAL>",
		Short:     "Send a control message to the orchestrator through a remote hub",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"INIT", "START", "END", "FATAL"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			msg, ok := api.ParseControl(args[0])
			if !ok {
				return fmt.Errorf("unknown control message %q", args[0])
			}
			if cfg.Transport.Remote == "" {
				return errors.New("transport.remote is not configured")
			}
			client, closeTunnel, err := remoteClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeTunnel()
			if err := transport.SendWithRetry(cmd.Context(), client, msg, cfg.Channels.OrchestratorIn, transport.DefaultRetryConfig()); err != nil {
				return err
			}
			fmt.Printf("sent %s to %s\n", msg, cfg.Channels.OrchestratorIn)
			return nil
		},
	}
}

// Inspect the registry
func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the component registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List registered components",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := registry.Open(cfg.Registry.Path)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer store.Close()
			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\t%s/%s\n", e.ID, e.Category, e.Name, e.Status, e.State, e.Endpoint.In, e.Endpoint.Out)
			}
			fmt.Printf("global state: %s\n", health.GlobalState(entries))
			return nil
		},
	})
	return cmd
}

// Manage SSH keys for the transport tunnel
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage SSH keys used to tunnel the transport",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "gen <private-key-path>",
		Short: "Generate an ed25519 keypair and print the public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := transport.GenerateEd25519Keypair(args[0])
			if err != nil {
				return err
			}
			fmt.Print(pub)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "trust <host[:port]> <authorized-key-file>",
		Short: "Add a bastion host key to the configured known_hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Transport.SSH.KnownHosts == "" {
				return errors.New("transport.ssh.known_hosts is not configured")
			}
			key, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return transport.AppendKnownHost(cfg.Transport.SSH.KnownHosts, args[0], string(key))
		},
	})
	return cmd
}
