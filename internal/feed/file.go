// Package feed publishes market data onto the bus, either replayed
// from a file or streamed from a websocket quote source.
package feed

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"dynami/internal/bus"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

// FileFeed replays a CSV quote file. Every line publishes a book
// update on its side topic plus a strategy event; the end of the file
// publishes a NoMoreData event.
//
// Line format: time,symbol,side,price,quantity[,flags]
// time is unix nanoseconds, side is "ask" or "bid", flags is any
// combination of O (bar open), C (bar close), D (day open), E (day
// close). Lines starting with # are skipped.
type FileFeed struct {
	bus bus.Bus

	mu      sync.Mutex
	path    string
	speed   float64
	scales  map[string]priceScales
	bars    map[string]*schema.Bar
	gate    chan struct{}
	cancel  chan struct{}
	running bool
	wg      sync.WaitGroup
}

type priceScales struct {
	price schema.Scale
	qty   schema.Scale
}

// NewFileFeed creates a file feed on the given bus.
func NewFileFeed(b bus.Bus) *FileFeed {
	return &FileFeed{
		bus:    b,
		scales: make(map[string]priceScales),
		bars:   make(map[string]*schema.Bar),
	}
}

// ID implements the lifecycle service interface.
func (f *FileFeed) ID() string { return "feed" }

// Init resolves the data file and per-symbol scales.
func (f *FileFeed) Init(cfg *ops.Loaded) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.path = cfg.Feed.File
	f.speed = cfg.Feed.Speed
	if f.path == "" {
		return errors.New("feed file not configured")
	}
	if _, err := os.Stat(f.path); err != nil {
		return errors.Wrap(err, "stat feed file")
	}
	for _, inst := range cfg.Instruments {
		f.scales[inst.Symbol] = priceScales{price: inst.PriceScale, qty: inst.QtyScale}
	}
	return nil
}

// Start launches the replay pump.
func (f *FileFeed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	file, err := os.Open(f.path)
	if err != nil {
		return errors.Wrap(err, "open feed file")
	}
	f.running = true
	f.cancel = make(chan struct{})
	f.wg.Add(1)
	go f.pump(file)
	return nil
}

// Stop pauses the replay. Resume continues from the same line.
func (f *FileFeed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
	return nil
}

// Resume continues a paused replay.
func (f *FileFeed) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	return nil
}

// Dispose halts the pump for good.
func (f *FileFeed) Dispose() error {
	f.mu.Lock()
	if f.running {
		f.running = false
		close(f.cancel)
		if f.gate != nil {
			close(f.gate)
			f.gate = nil
		}
	}
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}

func (f *FileFeed) pump(file *os.File) {
	defer f.wg.Done()
	defer file.Close()

	var prevTime int64
	lineNo := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if !f.waitTurn() {
			return
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		book, types, err := f.parseLine(line)
		if err != nil {
			logs.Errorf("feed line %d: %+v", lineNo, err)
			continue
		}
		if prevTime > 0 && f.speed > 0 {
			if !f.pace(book.Time - prevTime) {
				return
			}
		}
		prevTime = book.Time
		f.publish(book, types)
	}
	if err := scanner.Err(); err != nil {
		logs.Errorf("feed read: %+v", err)
	}

	logs.Info("feed exhausted")
	f.bus.PublishAsync(schema.TopicStrategyEvent, bus.Message{
		Time:    prevTime,
		Payload: schema.Event{Time: prevTime, Types: schema.NoMoreData},
	})
}

// waitTurn blocks while paused. It returns false when disposed.
func (f *FileFeed) waitTurn() bool {
	f.mu.Lock()
	gate := f.gate
	cancel := f.cancel
	f.mu.Unlock()
	if gate == nil {
		select {
		case <-cancel:
			return false
		default:
			return true
		}
	}
	select {
	case <-cancel:
		return false
	case <-gate:
		return true
	}
}

func (f *FileFeed) pace(delta int64) bool {
	if delta <= 0 {
		return true
	}
	wait := time.Duration(float64(delta) / f.speed)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-f.cancel:
		return false
	case <-timer.C:
		return true
	}
}

func (f *FileFeed) parseLine(line string) (schema.BookOrder, schema.EventType, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return schema.BookOrder{}, 0, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return schema.BookOrder{}, 0, errors.Wrap(err, "parse time")
	}
	symbol := strings.TrimSpace(fields[1])
	if symbol == "" {
		return schema.BookOrder{}, 0, fmt.Errorf("empty symbol")
	}

	var side schema.Side
	switch strings.ToLower(strings.TrimSpace(fields[2])) {
	case "ask":
		side = schema.SideAsk
	case "bid":
		side = schema.SideBid
	default:
		return schema.BookOrder{}, 0, fmt.Errorf("unknown side: %q", fields[2])
	}

	scales := f.scales[symbol]
	price, err := ParseScaled(strings.TrimSpace(fields[3]), scales.price)
	if err != nil {
		return schema.BookOrder{}, 0, errors.Wrap(err, "parse price")
	}
	qty, err := ParseScaled(strings.TrimSpace(fields[4]), scales.qty)
	if err != nil {
		return schema.BookOrder{}, 0, errors.Wrap(err, "parse quantity")
	}

	types := schema.OnTick
	if len(fields) > 5 {
		for _, flag := range strings.TrimSpace(fields[5]) {
			switch flag {
			case 'O':
				types |= schema.OnBarOpen
			case 'C':
				types |= schema.OnBarClose
			case 'D':
				types |= schema.OnDayOpen
			case 'E':
				types |= schema.OnDayClose
			}
		}
	}

	return schema.BookOrder{
		Symbol:   symbol,
		Time:     ts,
		Side:     side,
		Level:    1,
		Price:    schema.Price(price),
		Quantity: schema.Quantity(qty),
	}, types, nil
}

func (f *FileFeed) publish(book schema.BookOrder, types schema.EventType) {
	f.bus.PublishAsync(schema.BookTopic(book.Side, book.Symbol), bus.Message{Time: book.Time, Payload: book})
	f.bus.PublishAsync(schema.TopicTick, bus.Message{Time: book.Time, Payload: book})

	ev := schema.Event{
		Symbol: book.Symbol,
		Time:   book.Time,
		Types:  types,
		Book:   &book,
	}
	if bar := f.updateBar(book, types); bar != nil {
		ev.Bar = bar
	}
	f.bus.PublishAsync(schema.TopicStrategyEvent, bus.Message{Time: book.Time, Payload: ev})
}

// updateBar folds the tick into the running bar for the symbol and
// returns the finished bar on a bar-close tick.
func (f *FileFeed) updateBar(book schema.BookOrder, types schema.EventType) *schema.Bar {
	f.mu.Lock()
	defer f.mu.Unlock()

	bar := f.bars[book.Symbol]
	if bar == nil || types&schema.OnBarOpen != 0 {
		bar = &schema.Bar{
			Symbol: book.Symbol,
			Open:   book.Price,
			High:   book.Price,
			Low:    book.Price,
			Time:   book.Time,
		}
		f.bars[book.Symbol] = bar
	}
	if book.Price > bar.High {
		bar.High = book.Price
	}
	if book.Price < bar.Low {
		bar.Low = book.Price
	}
	bar.Close = book.Price
	if book.Quantity > 0 {
		bar.Volume += book.Quantity
	} else {
		bar.Volume -= book.Quantity
	}

	if types&schema.OnBarClose != 0 {
		done := *bar
		delete(f.bars, book.Symbol)
		return &done
	}
	return nil
}

// ParseScaled converts a decimal string into a scaled integer without
// going through floating point. Digits beyond the scale are refused.
func ParseScaled(s string, scale schema.Scale) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > int(scale) {
		return 0, fmt.Errorf("%q exceeds scale %d", s, scale)
	}
	for len(frac) < int(scale) {
		frac += "0"
	}
	digits := whole + frac
	if digits == "" {
		return 0, fmt.Errorf("invalid number: %q", s)
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse digits")
	}
	if neg {
		v = -v
	}
	return v, nil
}
