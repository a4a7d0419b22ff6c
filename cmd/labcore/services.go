package main

import (
	"github.com/spf13/cobra"

	"github.com/barrhawk/labcore/ai"
	"github.com/barrhawk/labcore/bridge"
	"github.com/barrhawk/labcore/core"
	"github.com/barrhawk/labcore/executor"
	"github.com/barrhawk/labcore/planner"
	"github.com/barrhawk/labcore/supervisor"
	"github.com/barrhawk/labcore/telemetry"
	"github.com/barrhawk/labcore/worker"
)

func newBridgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Run the message broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig(core.ComponentBridge)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			b := bridge.New(cfg, logger)
			b.SetTelemetry(telemetry.New(core.ComponentBridge))
			defer b.Stop()

			srv := bridge.NewServer(b, logger)
			go func() {
				<-ctx.Done()
				_ = srv.Shutdown(ctx)
			}()
			return srv.Start(cfg.Port)
		},
	}
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run the planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig(core.ComponentDoctor)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			client, err := bridge.Dial(cfg.Bridge.URL, core.ComponentDoctor, version, cfg.Bridge.Secret, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			p := planner.New(cfg, ai.NewClient(logger), memoryFor(cfg, logger), logger)
			p.SetTelemetry(telemetry.New(core.ComponentDoctor))
			p.AttachBus(client)
			defer p.Stop()

			return p.Serve(ctx, cfg.Port)
		},
	}
}

func newIgorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "igor",
		Short: "Run an executor instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig(core.ComponentIgor)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			exec := executor.New(cfg, logger)
			exec.SetTelemetry(telemetry.New("igor"))

			client, err := bridge.Dial(cfg.Bridge.URL, exec.ID(), version, cfg.Bridge.Secret, logger)
			if err != nil {
				return err
			}
			defer client.Close()
			exec.AttachBus(client)
			defer exec.Stop()

			<-ctx.Done()
			return nil
		},
	}
}

func newFrankCmd(opts *rootOptions) *cobra.Command {
	var hotReload bool
	cmd := &cobra.Command{
		Use:   "frank",
		Short: "Run the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig(core.ComponentFrank)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			w, err := worker.New(cfg, logger)
			if err != nil {
				return err
			}
			w.SetHotReload(hotReload)
			w.SetTelemetry(telemetry.New("frankenstein"))

			// The worker keeps serving HTTP even when the bridge is down;
			// the supervisor only needs the local surface.
			if client, err := bridge.Dial(cfg.Bridge.URL, core.ComponentFrank, version, cfg.Bridge.Secret, logger); err == nil {
				w.AttachBus(client)
				defer client.Close()
			} else {
				logger.Warn("Bridge unreachable, running detached", map[string]interface{}{
					"error": err.Error(),
				})
			}

			return w.Start(ctx, cfg.Port)
		},
	}
	cmd.Flags().BoolVar(&hotReload, "hot-reload", true, "watch the tools directory for changes")
	return cmd
}

func newSupervisorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "supervisor",
		Short: "Run the worker supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig("supervisor")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			s, err := supervisor.New(cfg, logger)
			if err != nil {
				return err
			}
			s.SetTelemetry(telemetry.New("supervisor"))

			if client, err := bridge.Dial(cfg.Bridge.URL, core.ComponentMeta, version, cfg.Bridge.Secret, logger); err == nil {
				s.AttachBus(client)
				defer client.Close()
			} else {
				logger.Warn("Bridge unreachable, running detached", map[string]interface{}{
					"error": err.Error(),
				})
			}

			if err := s.Start(ctx); err != nil {
				return err
			}
			defer s.Stop()
			return s.Serve(ctx, cfg.Port)
		},
	}
}
