// Command leechgo downloads a single torrent given its .torrent file and
// a destination directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/torvalds-fan/leechgo/internal/engine"
	"github.com/torvalds-fan/leechgo/internal/torrerr"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	force := flag.Bool("force", false, "overwrite files already present in the destination directory")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-v] [-force] <source.torrent> <destination-dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, args[0], args[1], *force); err != nil {
		if kind, ok := torrerr.KindOf(err); ok {
			logrus.WithField("kind", kind).Error(err)
		} else {
			logrus.Error(err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, torrentPath, destDir string, force bool) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("connecting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	e, err := engine.New(engine.Config{
		TorrentPath: torrentPath,
		DestDir:     destDir,
		Force:       force,
	}, func(done, total int) {
		bar.ChangeMax(total)
		bar.Set(done)
		bar.Describe(fmt.Sprintf("%s pieces", color.CyanString("%d/%d", done, total)))
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"name":   e.Info().Name,
		"pieces": e.Info().NumPieces(),
		"bytes":  e.Info().Total,
	}).Info("loaded torrent")

	if err := e.Run(ctx); err != nil {
		return err
	}

	bar.Finish()
	color.Green("done: %s\n", e.Info().Name)
	return nil
}
