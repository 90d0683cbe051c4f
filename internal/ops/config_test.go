package ops

import (
	"os"
	"path/filepath"
	"testing"

	"dynami/internal/bus"
)

func TestResolveDefaults(t *testing.T) {
	loaded, err := Resolve(FileConfig{
		Instruments: []InstrumentConfig{{Symbol: "FTSEMIB", PriceScale: 2}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if loaded.Bus.Backend != "" || loaded.Bus.ForceSync {
		t.Fatalf("bus config: %+v", loaded.Bus)
	}
	if len(loaded.Instruments) != 1 {
		t.Fatalf("instruments: %+v", loaded.Instruments)
	}
	inst := loaded.Instruments[0]
	if inst.Name != "FTSEMIB" {
		t.Fatalf("instrument name must default to the symbol: %+v", inst)
	}
}

func TestResolveRejectsBadBus(t *testing.T) {
	if _, err := Resolve(FileConfig{Bus: BusConfig{Backend: "fibre"}}); err == nil {
		t.Fatalf("unknown backend accepted")
	}
	if _, err := Resolve(FileConfig{Bus: BusConfig{RingSize: -1}}); err == nil {
		t.Fatalf("negative ring size accepted")
	}
}

func TestResolveRejectsBadInstruments(t *testing.T) {
	cases := []struct {
		name string
		cfg  []InstrumentConfig
	}{
		{"empty symbol", []InstrumentConfig{{Symbol: ""}}},
		{"duplicate", []InstrumentConfig{{Symbol: "DAX"}, {Symbol: "DAX"}}},
		{"negative scale", []InstrumentConfig{{Symbol: "DAX", PriceScale: -1}}},
	}
	for _, c := range cases {
		if _, err := Resolve(FileConfig{Instruments: c.cfg}); err == nil {
			t.Fatalf("%s accepted", c.name)
		}
	}
}

func TestResolveRejectsNegativeSpeed(t *testing.T) {
	if _, err := Resolve(FileConfig{Feed: FeedConfig{Speed: -1}}); err == nil {
		t.Fatalf("negative speed accepted")
	}
}

func TestJournalEnabled(t *testing.T) {
	if (JournalConfig{}).Enabled() {
		t.Fatalf("empty journal enabled")
	}
	if !(JournalConfig{Host: "db", Database: "journal"}).Enabled() {
		t.Fatalf("configured journal disabled")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"bus": {"backend": "pool", "workers": 4, "queueSize": 256, "forceSync": false},
		"instruments": [{"symbol": "FTSEMIB", "name": "FTSE MIB", "priceScale": 2}],
		"feed": {"file": "quotes.csv", "speed": 1},
		"strategy": {"name": "momentum", "params": {"lookback": 5}}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Bus.Backend != bus.BackendPool || loaded.Bus.Workers != 4 {
		t.Fatalf("bus: %+v", loaded.Bus)
	}
	if loaded.Instruments[0].Name != "FTSE MIB" {
		t.Fatalf("instrument: %+v", loaded.Instruments[0])
	}
	if loaded.Strategy.Name != "momentum" || loaded.Strategy.Params["lookback"] != float64(5) {
		t.Fatalf("strategy: %+v", loaded.Strategy)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
