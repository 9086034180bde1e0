package gsusb

import (
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"time"
)

const (
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultWriteTimeout   = 1000 * time.Millisecond
	DefaultControlTimeout = 1000 * time.Millisecond
	DefaultStopTimeout    = 2 * time.Second
)

type Config struct {
	Debug bool
	// HeaderOffset is where payload data starts in a bulk IN transfer:
	// HeaderSize, AlignedHeaderSize or HeaderOffsetAuto. Zero means HeaderSize.
	HeaderOffset           int
	ReadTimeout            time.Duration
	WriteTimeout           time.Duration
	ControlTimeout         time.Duration
	StopTimeout            time.Duration
	MinimumFirmwareVersion string
	OnEvent                func(Event)
	OnError                func(error)
}

func DefaultConfig() *Config {
	return (&Config{}).withDefaults()
}

// withDefaults returns a copy of cfg with zero values filled in.
func (cfg *Config) withDefaults() *Config {
	c := &Config{}
	if cfg != nil {
		*c = *cfg
	}
	if c.HeaderOffset == 0 {
		c.HeaderOffset = HeaderSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = DefaultControlTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.OnEvent == nil {
		c.OnEvent = func(e Event) {
			if e.Type == EventTypeDebug && !c.Debug {
				return
			}
			logCaller(2, e.String())
		}
	}
	if c.OnError == nil {
		c.OnError = func(err error) {
			logCaller(2, fmt.Sprintf("error: %v", err))
		}
	}
	return c
}

func (cfg *Config) validate() error {
	switch cfg.HeaderOffset {
	case HeaderSize, AlignedHeaderSize, HeaderOffsetAuto:
		return nil
	}
	return fmt.Errorf("invalid header offset %d, want %d, %d or auto", cfg.HeaderOffset, HeaderSize, AlignedHeaderSize)
}

func logCaller(skip int, msg string) {
	_, file, no, ok := runtime.Caller(skip + 1)
	if ok {
		log.Printf("%s#%d %s", filepath.Base(file), no, msg)
	} else {
		log.Println(msg)
	}
}
