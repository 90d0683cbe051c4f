// Package journal persists order flow to postgres for post-session
// analysis.
package journal

import (
	"strconv"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"dynami/internal/bus"
	"dynami/internal/ops"
	"dynami/internal/orders"
	"dynami/internal/schema"
	"dynami/pkg/conn"
)

// OrderRow is one submitted order request.
type OrderRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Time      int64  `gorm:"index"`
	Symbol    string `gorm:"index;size:32"`
	Quantity  int64
	Price     int64
	Market    bool
	Cancelled bool
	Note      string `gorm:"size:128"`
}

// TableName implements the gorm table naming hook.
func (OrderRow) TableName() string { return "orders" }

// FillRow is one execution report.
type FillRow struct {
	ID       uint64 `gorm:"primaryKey"`
	OrderID  uint64 `gorm:"index"`
	Time     int64  `gorm:"index"`
	Symbol   string `gorm:"index;size:32"`
	Quantity int64
	Price    int64
	Note     string `gorm:"size:128"`
}

// TableName implements the gorm table naming hook.
func (FillRow) TableName() string { return "fills" }

// Service records order requests, cancels and fills. Register it only
// when the journal target is configured.
type Service struct {
	bus bus.Bus
	db  Database

	orderSub  *bus.Subscription
	cancelSub *bus.Subscription
	fillSub   *bus.Subscription
}

// Database is the slice of gorm the journal needs. It exists so tests
// can record writes without a live postgres.
type Database interface {
	Create(value any) error
	MarkCancelled(orderID uint64) error
	Close() error
}

// New creates a journal writing through the given database.
func New(b bus.Bus, db Database) *Service {
	return &Service{bus: b, db: db}
}

// ID implements the lifecycle service interface.
func (s *Service) ID() string { return "journal" }

// Init opens the database when none was injected and migrates the
// journal tables.
func (s *Service) Init(cfg *ops.Loaded) error {
	if s.db == nil {
		db, err := openGorm(cfg.Journal)
		if err != nil {
			return err
		}
		s.db = db
	}
	return nil
}

// Start subscribes the journal to the order flow topics.
func (s *Service) Start() error {
	if s.orderSub == nil {
		s.orderSub = s.bus.Subscribe(schema.TopicOrderRequest, s.onOrder)
	}
	if s.cancelSub == nil {
		s.cancelSub = s.bus.Subscribe(schema.TopicCancelRequest, s.onCancel)
	}
	if s.fillSub == nil {
		s.fillSub = s.bus.Subscribe(schema.TopicExecutedOrder, s.onFill)
	}
	return nil
}

// Stop detaches from the bus. Rows already recorded stay.
func (s *Service) Stop() error {
	if s.orderSub != nil {
		s.bus.Unsubscribe(schema.TopicOrderRequest, s.orderSub)
		s.orderSub = nil
	}
	if s.cancelSub != nil {
		s.bus.Unsubscribe(schema.TopicCancelRequest, s.cancelSub)
		s.cancelSub = nil
	}
	if s.fillSub != nil {
		s.bus.Unsubscribe(schema.TopicExecutedOrder, s.fillSub)
		s.fillSub = nil
	}
	return nil
}

// Resume reattaches the journal.
func (s *Service) Resume() error { return s.Start() }

// Dispose detaches and closes the database.
func (s *Service) Dispose() error {
	if err := s.Stop(); err != nil {
		return err
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Service) onOrder(last bool, msg bus.Message) {
	req, ok := msg.Payload.(orders.Request)
	if !ok {
		return
	}
	if err := s.db.Create(newOrderRow(req)); err != nil {
		logs.Errorf("journal order %d: %+v", req.ID, err)
	}
}

func (s *Service) onCancel(last bool, msg bus.Message) {
	req, ok := msg.Payload.(orders.Request)
	if !ok {
		return
	}
	if err := s.db.MarkCancelled(req.ID); err != nil {
		logs.Errorf("journal cancel %d: %+v", req.ID, err)
	}
}

func (s *Service) onFill(last bool, msg bus.Message) {
	report, ok := msg.Payload.(schema.ExecutionReport)
	if !ok {
		return
	}
	if err := s.db.Create(newFillRow(report)); err != nil {
		logs.Errorf("journal fill for order %d: %+v", report.OrderID, err)
	}
}

func newOrderRow(req orders.Request) *OrderRow {
	return &OrderRow{
		ID:       req.ID,
		Time:     req.Time,
		Symbol:   req.Symbol,
		Quantity: int64(req.Quantity),
		Price:    int64(req.Price),
		Market:   req.Market,
		Note:     req.Note,
	}
}

func newFillRow(report schema.ExecutionReport) *FillRow {
	return &FillRow{
		OrderID:  report.OrderID,
		Time:     report.Time,
		Symbol:   report.Symbol,
		Quantity: int64(report.Quantity),
		Price:    int64(report.Price),
		Note:     report.Note,
	}
}

func openGorm(cfg ops.JournalConfig) (*gormDatabase, error) {
	if !cfg.Enabled() {
		return nil, errors.New("journal target not configured")
	}
	port := 0
	if cfg.Port != "" {
		p, err := strconv.Atoi(cfg.Port)
		if err != nil {
			return nil, errors.Wrap(err, "parse journal port")
		}
		port = p
	}
	db, err := conn.Postgres{
		Host:     cfg.Host,
		Port:     port,
		User:     cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
	}.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open journal database")
	}
	if err := db.AutoMigrate(&OrderRow{}, &FillRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate journal tables")
	}
	return &gormDatabase{db: db}, nil
}
