// Package notify hands verification codes to whatever delivers them. Actual
// email and SMS sending happens outside this service.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/config"
	"github.com/portfolio-risk/api/internal/domain"
)

// Message is one delivery request.
type Message struct {
	ID        string         `json:"id"`
	Channel   domain.Channel `json:"channel"`
	Recipient string         `json:"recipient"`
	Purpose   domain.Purpose `json:"purpose"`
	UserID    int64          `json:"user_id"`
	Code      string         `json:"code"`
	ExpiresIn int            `json:"expires_in"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewMessage fills in the id and timestamp.
func NewMessage(channel domain.Channel, recipient string, purpose domain.Purpose, userID int64, code string, ttl time.Duration) Message {
	return Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Recipient: recipient,
		Purpose:   purpose,
		UserID:    userID,
		Code:      code,
		ExpiresIn: int(ttl.Seconds()),
		CreatedAt: time.Now().UTC(),
	}
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// New picks the notifier named by cfg.Driver.
func New(cfg config.NotificationConfig, logger *zap.Logger) (Notifier, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogNotifier(logger), nil
	case "amqp":
		return NewAMQPNotifier(cfg.AMQPURL, cfg.Exchange, logger)
	default:
		return nil, fmt.Errorf("unknown notification driver %q", cfg.Driver)
	}
}

// LogNotifier writes codes to the log. For local development only.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	n.logger.Info("verification code issued",
		zap.String("message_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
		zap.String("recipient", Mask(msg.Recipient)),
		zap.String("purpose", string(msg.Purpose)),
		zap.Int64("user_id", msg.UserID),
		zap.String("code", msg.Code),
	)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Mask hides most of an email address or phone number.
func Mask(recipient string) string {
	if at := strings.IndexByte(recipient, '@'); at > 0 {
		return recipient[:1] + "***" + recipient[at:]
	}
	if len(recipient) > 4 {
		return strings.Repeat("*", len(recipient)-4) + recipient[len(recipient)-4:]
	}
	return "****"
}
