package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradeworks/softphone/call"
	"github.com/tradeworks/softphone/internal/backoff"
)

// defaultChannel is the postgres notification channel the backend
// publishes call-row changes on.
const defaultChannel = "call_log_changes"

// Listener holds one LISTEN connection against the backend database and
// delivers tenant-scoped row changes as controller events. The
// connection is re-established with backoff on any failure.
type Listener struct {
	dsn      string
	channel  string
	tenantID string
	deliver  func(call.Event)
	logger   *slog.Logger

	connect func(ctx context.Context, dsn string) (notifyConn, error)
}

// notifyConn is the slice of a pgx connection the listener needs.
type notifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (interface{ String() string }, error)
	WaitForNotification(ctx context.Context) (*pgconnNotification, error)
	Close(ctx context.Context) error
}

// pgconnNotification mirrors the pgconn notification payload.
type pgconnNotification struct {
	Channel string
	Payload string
}

// NewListener creates a listener for the given tenant. deliver receives
// translated events; it must not block.
func NewListener(dsn, tenantID string, deliver func(call.Event), logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		dsn:      dsn,
		channel:  defaultChannel,
		tenantID: tenantID,
		deliver:  deliver,
		logger:   logger.With("subsystem", "status-bridge"),
		connect:  pgxConnect,
	}
}

// Run listens for row changes until ctx is cancelled. Connection drops
// reconnect with capped exponential backoff.
func (l *Listener) Run(ctx context.Context) {
	bo := backoff.New(time.Second, time.Minute)

	for {
		if err := l.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.Next()
			l.logger.Warn("status channel lost",
				"error", err,
				"retry_in", delay.String(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()
	}
}

// listenOnce holds one connection for its lifetime: connect, LISTEN,
// then block on notifications until the connection or context dies.
func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connecting to backend database: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		return fmt.Errorf("listening on %s: %w", l.channel, err)
	}

	l.logger.Info("status channel connected", "channel", l.channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}
		l.handlePayload(notification.Payload)
	}
}

// handlePayload decodes one notification payload and delivers the
// translated event. Rows for other tenants and unknown statuses are
// dropped.
func (l *Listener) handlePayload(payload string) {
	var rc RowChange
	if err := json.Unmarshal([]byte(payload), &rc); err != nil {
		l.logger.Warn("malformed status payload", "error", err)
		return
	}

	if l.tenantID != "" && rc.TenantID != "" && rc.TenantID != l.tenantID {
		return
	}

	ev, ok := translate(rc)
	if !ok {
		l.logger.Debug("ignoring row change",
			"record_id", rc.ID,
			"status", rc.Status,
		)
		return
	}

	l.logger.Debug("status change",
		"record_id", rc.ID,
		"call_sid", rc.CallSID,
		"status", rc.Status,
	)
	l.deliver(ev)
}

// pgxConnect adapts a real pgx connection to notifyConn.
func pgxConnect(ctx context.Context, dsn string) (notifyConn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (interface{ String() string }, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	return tag, err
}

func (c *pgxConn) WaitForNotification(ctx context.Context) (*pgconnNotification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &pgconnNotification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
