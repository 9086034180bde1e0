package cmd

import (
	"fmt"
	"log"

	"github.com/roboparty/gsusb"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "print adapter configuration and bit timing limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := sessionConfig(nil)
		if err != nil {
			return err
		}
		bus := openBus()
		defer bus.Close()
		infos, err := bus.List(selector())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return gsusb.ErrDeviceNotFound
		}
		for i, info := range infos {
			if err := printInfo(i, bus, info, sc); err != nil {
				log.Printf("%s: %v", info, err)
			}
		}
		return nil
	},
}

func printInfo(i int, bus gsusb.Bus, info gsusb.DeviceInfo, sc *gsusb.Config) error {
	s, err := gsusb.OpenDevice(bus, info, sc)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("[%d] %s %s\n", i, info, info.Description)
	dc, err := s.DeviceConfig()
	if err != nil {
		return err
	}
	fmt.Printf("    channels: %d sw: %d hw: %d\n", dc.Channels, dc.SoftwareVersion, dc.HardwareVersion)
	for ch := 0; ch < dc.Channels; ch++ {
		bc, err := s.BitTimingConst(uint8(ch))
		if err != nil {
			return err
		}
		fmt.Printf("    ch%d clock: %d Hz tseg1: %d-%d tseg2: %d-%d sjw: %d brp: %d-%d/%d\n",
			ch, bc.Clock, bc.Tseg1Min, bc.Tseg1Max, bc.Tseg2Min, bc.Tseg2Max, bc.SJWMax, bc.BRPMin, bc.BRPMax, bc.BRPInc)
		for _, rate := range gsusb.PresetBitrates {
			status := "ok"
			bt, err := gsusb.CalcBitTiming(bc.Clock, rate, gsusb.Timing1M)
			if err == nil {
				err = bc.Check(bt)
			}
			if err != nil {
				status = err.Error()
			}
			fmt.Printf("        %7d bps: %s\n", rate, status)
		}
	}
	return nil
}
