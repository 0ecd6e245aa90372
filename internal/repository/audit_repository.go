package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEvent is one security-relevant event.
type AuditEvent struct {
	EventType     string // register, email_verified, totp_verify_failed, login_success, ...
	UserID        int64  // zero when unknown
	ClientIP      string
	UserAgent     string
	Success       bool
	FailureReason string
	Metadata      map[string]any
}

// AuditRepository defines audit logging operations
type AuditRepository interface {
	LogEvent(ctx context.Context, event AuditEvent) error
}

type auditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepository{pool: pool}
}

func (r *auditRepository) LogEvent(ctx context.Context, event AuditEvent) error {
	details := map[string]any{
		"success":        event.Success,
		"failure_reason": event.FailureReason,
	}
	for k, v := range event.Metadata {
		details[k] = v
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}

	var ip *netip.Addr
	if addr, err := netip.ParseAddr(event.ClientIP); err == nil {
		ip = &addr
	}
	var userID *int64
	if event.UserID > 0 {
		userID = &event.UserID
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, event_type, user_id, ip_address, user_agent, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), event.EventType, userID, ip, event.UserAgent, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
