package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// auditChanSize is the async buffer; entries beyond it are dropped with a warning.
const auditChanSize = 1000

// AuditLog is the GORM model for the ticketforge_audit_logs table.
type AuditLog struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	EventType string    `gorm:"column:event_type;type:varchar(50);not null;index"`
	Subject   string    `gorm:"column:subject;type:varchar(255);not null;index"`
	FromState string    `gorm:"column:from_state;type:varchar(32)"`
	ToState   string    `gorm:"column:to_state;type:varchar(32)"`
	Details   string    `gorm:"column:details;type:json"` // JSON string
	EventAt   time.Time `gorm:"column:event_at;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "ticketforge_audit_logs"
}

// AuditLoggerImpl implements biz.AuditLogger. Entries are written by a
// background goroutine; without a database they only go to the log.
type AuditLoggerImpl struct {
	write   func(ctx context.Context, row *AuditLog) error
	logChan chan *AuditLog
	logger  *pkglog.LogHelper

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAuditLogger creates the audit logger and starts its writer.
func NewAuditLogger(d *Data, logger log.Logger) (*AuditLoggerImpl, func()) {
	var write func(ctx context.Context, row *AuditLog) error
	if db := d.GetDB(); db != nil {
		write = func(ctx context.Context, row *AuditLog) error {
			return db.WithContext(ctx).Create(row).Error
		}
	}
	al := newAuditLogger(write, logger)
	return al, al.Close
}

func newAuditLogger(write func(ctx context.Context, row *AuditLog) error, logger log.Logger) *AuditLoggerImpl {
	al := &AuditLoggerImpl{
		write:   write,
		logChan: make(chan *AuditLog, auditChanSize),
		logger:  pkglog.NewLogHelper(log.With(logger, "module", "data/audit")),
		done:    make(chan struct{}),
	}
	go al.start()
	return al
}

// start drains the channel until Close.
func (a *AuditLoggerImpl) start() {
	defer close(a.done)
	for row := range a.logChan {
		a.persist(row)
	}
}

func (a *AuditLoggerImpl) persist(row *AuditLog) {
	a.logger.Audit(row.EventType, "subject", row.Subject, "from", row.FromState, "to", row.ToState, "details", row.Details)
	if a.write == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.write(ctx, row)
	if err != nil && pkgerrors.IsRetriableDBError(err) {
		// 死锁/连接抖动重试一次
		err = a.write(ctx, row)
	}
	if err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		a.logger.Errorw("msg", "failed to write audit log",
			"event_type", row.EventType,
			"subject", row.Subject,
			"error_type", dbErr.Type,
			"error", err)
	}
}

// Log queues an entry without blocking.
func (a *AuditLoggerImpl) Log(_ context.Context, entry *model.AuditEntry) {
	if entry == nil {
		return
	}

	details := "{}"
	if len(entry.Detail) > 0 {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			a.logger.Errorw("msg", "failed to marshal audit log details", "event_type", entry.EventType, "error", err)
			return
		}
		details = string(b)
	}

	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	row := &AuditLog{
		EventType: entry.EventType,
		Subject:   entry.Subject,
		FromState: entry.From,
		ToState:   entry.To,
		Details:   details,
		EventAt:   at,
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	// Send to channel (non-blocking)
	select {
	case a.logChan <- row:
	default:
		a.logger.Warnw("msg", "audit log channel full, dropping event",
			"event_type", row.EventType,
			"subject", row.Subject)
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (a *AuditLoggerImpl) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.logChan)
	}
	a.mu.Unlock()
	<-a.done
}
