package ops

import (
	"encoding/json"
	"fmt"
	"os"

	"dynami/internal/bus"
	"dynami/internal/schema"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Bus         BusConfig          `json:"bus"`
	Instruments []InstrumentConfig `json:"instruments"`
	Feed        FeedConfig         `json:"feed"`
	Journal     JournalConfig      `json:"journal"`
	Strategy    StrategyConfig     `json:"strategy"`
}

// BusConfig selects and sizes the message bus backend.
type BusConfig struct {
	Backend   string `json:"backend"`
	RingSize  int    `json:"ringSize"`
	Workers   int    `json:"workers"`
	QueueSize int    `json:"queueSize"`
	ForceSync *bool  `json:"forceSync"`
}

// InstrumentConfig describes a tradable instrument entry.
type InstrumentConfig struct {
	Symbol     string       `json:"symbol"`
	Name       string       `json:"name"`
	PriceScale schema.Scale `json:"priceScale"`
	QtyScale   schema.Scale `json:"qtyScale"`
}

// FeedConfig describes the market data source.
type FeedConfig struct {
	File    string   `json:"file"`
	Speed   float64  `json:"speed"`
	WsURL   string   `json:"wsUrl"`
	Symbols []string `json:"symbols"`
}

// JournalConfig describes the optional postgres execution journal.
type JournalConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// Enabled reports whether a journal target is configured.
func (c JournalConfig) Enabled() bool {
	return c.Host != "" && c.Database != ""
}

// StrategyConfig names the strategy to run and its parameters.
type StrategyConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Instrument is a resolved instrument definition.
type Instrument struct {
	Symbol     string
	Name       string
	PriceScale schema.Scale
	QtyScale   schema.Scale
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Bus         bus.Config
	Instruments []Instrument
	Feed        FeedConfig
	Journal     JournalConfig
	Strategy    StrategyConfig
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Resolve validates a file config and fills defaults.
func Resolve(cfg FileConfig) (Loaded, error) {
	busCfg, err := resolveBus(cfg.Bus)
	if err != nil {
		return Loaded{}, err
	}
	instruments, err := resolveInstruments(cfg.Instruments)
	if err != nil {
		return Loaded{}, err
	}
	if cfg.Feed.Speed < 0 {
		return Loaded{}, fmt.Errorf("feed speed must be >= 0")
	}
	return Loaded{
		Bus:         busCfg,
		Instruments: instruments,
		Feed:        cfg.Feed,
		Journal:     cfg.Journal,
		Strategy:    cfg.Strategy,
	}, nil
}

func resolveBus(cfg BusConfig) (bus.Config, error) {
	switch cfg.Backend {
	case "", bus.BackendRing, bus.BackendPool:
	default:
		return bus.Config{}, fmt.Errorf("unknown bus backend: %q", cfg.Backend)
	}
	if cfg.RingSize < 0 || cfg.Workers < 0 || cfg.QueueSize < 0 {
		return bus.Config{}, fmt.Errorf("bus sizes must be >= 0")
	}
	out := bus.Config{
		Backend:   cfg.Backend,
		RingSize:  cfg.RingSize,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	}
	if cfg.ForceSync != nil {
		out.ForceSync = *cfg.ForceSync
	}
	return out, nil
}

func resolveInstruments(cfgs []InstrumentConfig) ([]Instrument, error) {
	out := make([]Instrument, 0, len(cfgs))
	seen := make(map[string]bool)
	for _, c := range cfgs {
		if c.Symbol == "" {
			return nil, fmt.Errorf("instrument symbol is empty")
		}
		if seen[c.Symbol] {
			return nil, fmt.Errorf("duplicate instrument: %s", c.Symbol)
		}
		if c.PriceScale < 0 || c.QtyScale < 0 {
			return nil, fmt.Errorf("invalid scale for %s: scale must be >= 0", c.Symbol)
		}
		seen[c.Symbol] = true
		name := c.Name
		if name == "" {
			name = c.Symbol
		}
		out = append(out, Instrument{
			Symbol:     c.Symbol,
			Name:       name,
			PriceScale: c.PriceScale,
			QtyScale:   c.QtyScale,
		})
	}
	return out, nil
}
