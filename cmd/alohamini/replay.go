package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/gwillem/alohamini/pkg/episode"
	"github.com/gwillem/alohamini/pkg/link"
	"github.com/gwillem/alohamini/pkg/teleop"
	"github.com/gwillem/alohamini/pkg/wire"
)

type ReplayCommand struct {
	Host string `long:"host" default:"ws://127.0.0.1:9301/teleop" description:"Host link URL"`
	Hz   int    `long:"hz" default:"30" description:"Playback frequency"`

	Args struct {
		Episode string `positional-arg-name:"episode" required:"yes" description:"Recorded episode file"`
	} `positional-args:"yes"`
}

func (c *ReplayCommand) Execute(args []string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	source, err := episode.NewReplayer(c.Args.Episode)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	client, err := link.Dial(ctx, c.Host, wire.AllArms(), log)
	if err != nil {
		source.Close()
		return fmt.Errorf("connect to host: %w", err)
	}

	ctrl := teleop.NewController(teleop.Config{Hz: c.Hz}, source, client, log)
	defer ctrl.Close()

	// Drain the display channels so playback progress lands in the log.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-ctrl.States():
				if st.Tick%uint64(c.Hz) == 0 {
					log.Info().Uint64("tick", st.Tick).Bool("link", st.LinkUp).Msg("replaying")
				}
			case msg := <-ctrl.Logs():
				log.Info().Msg(msg)
			}
		}
	}()

	log.Info().Str("episode", c.Args.Episode).Msg("replay starting")
	err = ctrl.Start(ctx)
	if err == context.Canceled {
		return nil
	}
	if err == nil {
		log.Info().Msg("replay finished")
	}
	return err
}
