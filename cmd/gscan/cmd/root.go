package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/roboparty/gsusb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "gscan",
	Short:        "gs_usb CAN adapter tool",
	Long:         `List, monitor and send frames through one or more gs_usb compatible USB CAN adapters`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagConfig       = "config"
	flagBitrate      = "bitrate"
	flagChannel      = "channel"
	flagHeaderOffset = "header-offset"
	flagSerial       = "serial"
	flagVirtual      = "virtual"
	flagDebug        = "debug"
	flagMinFirmware  = "min-firmware"
)

var cfg = viper.New()

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.String(flagConfig, "", "config file (default ./gscan.yaml)")
	pf.StringP(flagBitrate, "b", "1M", "CAN bitrate, one of 125k, 250k, 500k, 1M")
	pf.Uint8P(flagChannel, "c", 0, "adapter channel")
	pf.String(flagHeaderOffset, "12", "payload offset of received frames, 12, 16 or auto")
	pf.StringP(flagSerial, "s", "", "only use the adapter with this serial number")
	pf.Int(flagVirtual, 0, "use this many loopback adapters instead of USB")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.String(flagMinFirmware, "", "refuse adapters with older firmware, e.g. 2.0")
}

// loadConfig layers gscan.yaml and GSCAN_* environment variables under the
// command line flags.
func loadConfig(cmd *cobra.Command) error {
	if file, _ := cmd.Flags().GetString(flagConfig); file != "" {
		cfg.SetConfigFile(file)
	} else {
		cfg.SetConfigName("gscan")
		cfg.SetConfigType("yaml")
		cfg.AddConfigPath(".")
		cfg.AddConfigPath("$HOME/.config/gscan")
	}
	cfg.SetEnvPrefix("GSCAN")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
	if err := cfg.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if cfg.GetBool(flagDebug) {
		log.Printf("config: %v", cfg.AllSettings())
	}
	return nil
}

func parseHeaderOffset(s string) (int, error) {
	if strings.EqualFold(s, "auto") {
		return gsusb.HeaderOffsetAuto, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || (v != gsusb.HeaderSize && v != gsusb.AlignedHeaderSize) {
		return 0, fmt.Errorf("invalid header offset %q, want 12, 16 or auto", s)
	}
	return v, nil
}

func sessionConfig(onError func(error)) (*gsusb.Config, error) {
	offset, err := parseHeaderOffset(cfg.GetString(flagHeaderOffset))
	if err != nil {
		return nil, err
	}
	return &gsusb.Config{
		Debug:                  cfg.GetBool(flagDebug),
		HeaderOffset:           offset,
		MinimumFirmwareVersion: cfg.GetString(flagMinFirmware),
		OnEvent: func(e gsusb.Event) {
			if e.Type == gsusb.EventTypeDebug && !cfg.GetBool(flagDebug) {
				return
			}
			log.Println(e.String())
		},
		OnError: onError,
	}, nil
}

func selector() gsusb.Selector {
	sel := gsusb.DefaultSelector()
	sel.Serial = cfg.GetString(flagSerial)
	return sel
}

func channel() uint8 {
	return uint8(cfg.GetUint(flagChannel))
}

func openBus() gsusb.Bus {
	if n := cfg.GetInt(flagVirtual); n > 0 {
		return gsusb.NewLoopbackBus(n)
	}
	return gsusb.NewUSBBus()
}

// connect opens every matching adapter and starts the configured channel.
// The returned bus must be closed after the registry is disconnected.
func connect(onError func(error)) (*gsusb.Registry, gsusb.Bus, error) {
	sc, err := sessionConfig(onError)
	if err != nil {
		return nil, nil, err
	}
	bus := openBus()
	reg := gsusb.NewRegistry(bus, sc)
	report, err := reg.ConnectAll(selector())
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	for _, f := range report.Failures {
		log.Printf("skipped %s: %v", f.Device, f.Err)
	}
	if err := startChannels(reg); err != nil {
		reg.DisconnectAll()
		bus.Close()
		return nil, nil, err
	}
	log.Printf("connected to %d adapter(s)", report.Opened)
	return reg, bus, nil
}

func startChannels(reg *gsusb.Registry) error {
	bitrate, err := gsusb.ParseBitrate(cfg.GetString(flagBitrate))
	if err != nil {
		return err
	}
	ch := channel()
	if err := reg.ConfigureBitrate(ch, bitrate); err != nil {
		return err
	}
	return reg.StartChannel(ch)
}
