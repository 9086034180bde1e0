package cmd

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/roboparty/gsusb"
	"github.com/roboparty/gsusb/pkg/bar"
	"github.com/spf13/cobra"
	"go.uber.org/ratelimit"
)

const (
	flagTarget = "target"
	flagPick   = "pick"
	flagPeriod = "period"
	flagCount  = "count"
	flagRate   = "rate"
)

func init() {
	f := sendCmd.Flags()
	f.IntP(flagTarget, "t", gsusb.TargetAll, "adapter index to send on, -1 sends on all")
	f.Bool(flagPick, false, "choose the adapter interactively")
	f.IntP(flagPeriod, "p", 0, "repeat every n milliseconds until interrupted")
	f.IntP(flagCount, "n", 1, "number of frames to send")
	f.Int(flagRate, 0, "max frames per second with --count, 0 is unlimited")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <id> [data]",
	Short: "send a frame",
	Long:  `send a frame, e.g. "gscan send 7DF 02 01 00" or "gscan send 0x123 DEADBEEF -p 100"`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var data []byte
		if len(args) > 1 {
			data, err = parseData(strings.Join(args[1:], ""))
			if err != nil {
				return err
			}
		}

		reg, bus, err := connect(func(err error) { log.Println(err) })
		if err != nil {
			return err
		}
		defer bus.Close()
		defer func() {
			if err := reg.DisconnectAll(); err != nil {
				log.Println(err)
			}
		}()

		target := cfg.GetInt(flagTarget)
		if cfg.GetBool(flagPick) {
			if target, err = pickTarget(reg); err != nil {
				return err
			}
		}
		ch := channel()

		if period := cfg.GetInt(flagPeriod); period > 0 {
			if err := reg.StartPeriodic(period, target, ch, id, data); err != nil {
				return err
			}
			log.Printf("sending 0x%03X every %dms, ctrl-c to stop", id, period)
			<-ctx.Done()
			return reg.StopPeriodic()
		}

		count := cfg.GetInt(flagCount)
		rl := ratelimit.NewUnlimited()
		if rate := cfg.GetInt(flagRate); rate > 0 {
			rl = ratelimit.New(rate)
		}
		var pb interface{ Add(int) error }
		if count > 1 {
			pb = bar.New(count, fmt.Sprintf("0x%03X", id))
		}
		start := time.Now()
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rl.Take()
			if err := sendOnce(reg, target, ch, id, data); err != nil {
				return err
			}
			if pb != nil {
				pb.Add(1)
			}
		}
		if count > 1 {
			fmt.Println()
			log.Printf("sent %d frames in %s", count, time.Since(start).Round(time.Millisecond))
		}
		return nil
	},
}

func sendOnce(reg *gsusb.Registry, target int, ch uint8, id uint32, data []byte) error {
	if target == gsusb.TargetAll {
		return reg.Broadcast(ch, id, data)
	}
	return reg.SendTo(target, ch, id, data)
}

func pickTarget(reg *gsusb.Registry) (int, error) {
	sessions := reg.Sessions()
	items := make([]string, 0, len(sessions)+1)
	items = append(items, "all adapters")
	for i, s := range sessions {
		items = append(items, fmt.Sprintf("[%d] %s", i, s.Info()))
	}
	prompt := promptui.Select{
		Label:    "Adapter",
		HideHelp: true,
		Items:    items,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return 0, fmt.Errorf("prompt failed: %w", err)
	}
	return idx - 1, nil
}
