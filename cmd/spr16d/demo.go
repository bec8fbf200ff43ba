package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chronologos/spr16/internal/client"
	"github.com/chronologos/spr16/internal/protocol"
	"github.com/chronologos/spr16/internal/shm"
	"github.com/chronologos/spr16/internal/transport"
)

func newDemoCommand(gf *globalFlags) *cobra.Command {
	var (
		width, height int
		direct        bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Connect as a client and animate a gradient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closer, err := setup(*gf)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDemo(ctx, transport.SocketPath(cfg.SocketDir, cfg.SocketName), width, height, direct, log)
		},
	}
	cmd.Flags().IntVar(&width, "width", 0, "sprite width (0 = display width)")
	cmd.Flags().IntVar(&height, "height", 0, "sprite height (0 = display height)")
	cmd.Flags().BoolVar(&direct, "direct", false, "render straight into display memory")
	return cmd
}

func runDemo(ctx context.Context, path string, width, height int, direct bool, log *logrus.Entry) error {
	c, err := client.Dial(path, client.DefaultTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	info := c.ServInfo()
	if width <= 0 {
		width = int(info.Width)
	}
	if height <= 0 {
		height = int(info.Height)
	}
	var flags protocol.SpriteFlags
	if direct {
		flags |= protocol.SpriteDirectShm
	}
	sprite, err := c.Register("demo", width, height, flags)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.WithFields(logrus.Fields{"width": width, "height": height, "direct": direct}).Info("sprite established")

	for frame := 0; ctx.Err() == nil; frame++ {
		paint(sprite, frame)
		if err := c.Sync(protocol.SyncVblank, 0, 0, width, height); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if err := c.WaitVsync(time.Second); err != nil {
			if errors.Is(err, client.ErrDisconnected) {
				return nil
			}
			return fmt.Errorf("wait vsync: %w", err)
		}
		if err := drainInput(c, log); err != nil {
			if errors.Is(err, client.ErrDisconnected) {
				return nil
			}
			return err
		}
	}
	return nil
}

// paint draws a diagonal gradient that scrolls one pixel per frame.
func paint(b *shm.Buffer, frame int) {
	mem := b.Bytes()
	stride := b.Stride()
	for y := range b.Height() {
		row := mem[y*stride : (y+1)*stride]
		for x := range b.Width() {
			r := uint32((x + frame) & 0xff)
			g := uint32((y + frame) & 0xff)
			bl := uint32((x + y) & 0xff)
			binary.NativeEndian.PutUint32(row[x*4:], 0xff000000|r<<16|g<<8|bl)
		}
	}
}

// drainInput logs whatever input arrived during the last frame.
func drainInput(c *client.Conn, log *logrus.Entry) error {
	for {
		msg, err := c.NextMessage(0)
		if errors.Is(err, transport.ErrTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *protocol.Input:
			if m.Type == protocol.InputCtrl {
				continue
			}
			log.WithFields(logrus.Fields{
				"type": m.Type,
				"code": m.Code,
				"val":  m.Val,
				"ext":  m.Ext,
				"dev":  m.ID,
			}).Debug("input")
		case *protocol.InputSurface:
			log.WithFields(logrus.Fields{
				"slot": m.Input.Code,
				"x":    m.Xpos,
				"y":    m.Ypos,
			}).Debug("touch")
		}
	}
}
