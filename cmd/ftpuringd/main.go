// Command ftpuringd runs the completion-queue FTP server over a rooted
// directory tree.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rebeltheprogrammer/ftp-uring-server/internal/filestore"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ftpd"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ftpdflags"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ioengine"
)

func main() {
	opts := ftpdflags.DefaultOptions()

	root := &cobra.Command{
		Use:   "ftpuringd",
		Short: "Asynchronous FTP server backed by a completion-queue I/O engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	ftpdflags.AddFlags(root.Flags(), opts)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("ftpuringd: exiting")
	}
}

func run(opts *ftpdflags.Options) error {
	listenIP, listenPort, passiveIP, err := opts.ToServerConfig()
	if err != nil {
		return err
	}

	store, err := filestore.New(opts.Root)
	if err != nil {
		return err
	}

	engine, err := ioengine.New(opts.RingSize)
	if err != nil {
		return err
	}
	defer engine.Close()

	srv, err := ftpd.NewServer(engine, store, ftpd.Config{
		ListenIP:        listenIP,
		ListenPort:      listenPort,
		Root:            opts.Root,
		PassiveIP:       passiveIP,
		PassivePortLow:  opts.PassivePortLow,
		PassivePortHigh: opts.PassivePortHigh,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx, opts.Workers) }()

	srv.Start()
	logrus.WithField("addr", opts.ListenAddr).Info("ftpuringd: listening")

	<-ctx.Done()
	logrus.Info("ftpuringd: shutting down")
	if err := srv.Shutdown(); err != nil {
		logrus.WithError(err).Warn("ftpuringd: shutdown reconciliation failed")
	}
	return <-engineDone
}
