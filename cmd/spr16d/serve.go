package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chronologos/spr16/internal/config"
	"github.com/chronologos/spr16/internal/fb"
	"github.com/chronologos/spr16/internal/input"
	"github.com/chronologos/spr16/internal/server"
	"github.com/chronologos/spr16/internal/transport"
)

func newServeCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the display server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*gf)
		},
	}
}

func runServe(gf globalFlags) error {
	cfg, log, closer, err := setup(gf)
	if err != nil {
		return err
	}
	defer closer.Close()

	display, err := openDisplay(cfg)
	if err != nil {
		return fmt.Errorf("acquire display: %w", err)
	}
	defer display.Close()

	s := server.New(serverConfig(cfg), display, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Console switching is driven externally: SIGUSR1 releases the display,
	// SIGUSR2 hands it back.
	vt := make(chan os.Signal, 4)
	signal.Notify(vt, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(vt)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-vt:
				if sig == syscall.SIGUSR1 {
					s.Notify(server.VtRelease)
				} else {
					s.Notify(server.VtAcquire)
				}
			}
		}
	}()

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}

func openDisplay(cfg config.Config) (fb.Provider, error) {
	switch cfg.Framebuffer {
	case config.FramebufferFbdev:
		return fb.OpenFbdev(cfg.FbdevPath, cfg.Refresh)
	default:
		return fb.NewMemory(cfg.Width, cfg.Height, cfg.Refresh)
	}
}

func serverConfig(cfg config.Config) server.Config {
	in := cfg.Input
	return server.Config{
		SocketPath:       transport.SocketPath(cfg.SocketDir, cfg.SocketName),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		Devices: server.DeviceConfig{
			Disabled:  in.Disabled,
			Dir:       in.Dir,
			Overrides: overrides(in),
			Options: input.Options{
				Accel: input.Accel{
					Slope:      in.PointerAccel,
					Min:        in.PointerMin,
					Max:        in.PointerMax,
					ScrollStep: in.ScrollStep,
				},
				Trackpad: in.Trackpad,
				TapDelay: in.TapDelay(),
				Grab:     in.Grab,
			},
		},
	}
}

// overrides collects the per-role device names that bypass scoring.
func overrides(in config.Input) map[input.Role]string {
	out := make(map[input.Role]string)
	for role, name := range map[input.Role]string{
		input.RoleKeyboard: in.Keyboard,
		input.RoleMouse:    in.Mouse,
		input.RoleTouch:    in.Touch,
	} {
		if name != "" {
			out[role] = name
		}
	}
	return out
}
