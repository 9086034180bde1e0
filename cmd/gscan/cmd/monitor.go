package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/avast/retry-go"
	"github.com/roboparty/gsusb"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	flagIDs       = "ids"
	flagKeepalive = "keepalive"
	flagEcho      = "echo"
	flagReconnect = "reconnect"
	flagStats     = "stats"
)

func init() {
	f := monitorCmd.Flags()
	f.String(flagIDs, "", "only show these CAN ids, comma separated hex")
	f.Bool(flagKeepalive, false, "show keepalive frames")
	f.Bool(flagEcho, true, "show echoes of transmitted frames")
	f.Uint(flagReconnect, 0, "reconnect attempts after an adapter fails, 0 exits instead")
	f.Duration(flagStats, 0, "print per adapter counters at this interval")
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "print frames received on every adapter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ids, err := parseIDs(cfg.GetString(flagIDs))
		if err != nil {
			return err
		}

		failed := make(chan error, 1)
		reg, bus, err := connect(func(err error) {
			select {
			case failed <- err:
			default:
			}
		})
		if err != nil {
			return err
		}
		defer bus.Close()

		sub := reg.Subscribe(ids...)
		defer sub.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return printFrames(gctx, sub)
		})
		g.Go(func() error {
			return watchFailures(gctx, reg, failed, cfg.GetUint(flagReconnect))
		})
		if every := cfg.GetDuration(flagStats); every > 0 {
			g.Go(func() error {
				return printStats(gctx, reg, every)
			})
		}
		err = g.Wait()
		if derr := reg.DisconnectAll(); derr != nil {
			log.Println(derr)
		}
		if dropped := sub.Dropped(); dropped > 0 {
			log.Printf("dropped %d frames", dropped)
		}
		return err
	},
}

func printFrames(ctx context.Context, sub *gsusb.Subscriber) error {
	showKeepalive := cfg.GetBool(flagKeepalive)
	showEcho := cfg.GetBool(flagEcho)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-sub.Chan():
			if !ok {
				return nil
			}
			if r.Frame.IsKeepalive() && !showKeepalive {
				continue
			}
			if r.Frame.IsEcho() && !showEcho {
				continue
			}
			fmt.Printf("[%d] %s\n", r.Index, r.Frame.ColorString())
		}
	}
}

// watchFailures ends the monitor on an adapter failure unless reconnect
// attempts are allowed.
func watchFailures(ctx context.Context, reg *gsusb.Registry, failed <-chan error, attempts uint) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			log.Println(err)
			if attempts == 0 {
				return err
			}
			if err := reconnect(ctx, reg, attempts); err != nil {
				return err
			}
		}
	}
}

func reconnect(ctx context.Context, reg *gsusb.Registry, attempts uint) error {
	if err := reg.DisconnectAll(); err != nil {
		log.Println(err)
	}
	return retry.Do(
		func() error {
			if _, err := reg.ConnectAll(selector()); err != nil {
				return err
			}
			if err := startChannels(reg); err != nil {
				reg.DisconnectAll()
				return err
			}
			log.Printf("reconnected to %d adapter(s)", reg.Len())
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("reconnect #%d failed: %v", n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
}

func printStats(ctx context.Context, reg *gsusb.Registry, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for i, s := range reg.Sessions() {
				log.Printf("[%d] %s", i, s.Stats())
			}
		}
	}
}
