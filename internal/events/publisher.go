// internal/events/publisher.go
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix roots every subject this client publishes on.
const SubjectPrefix = "rmm.machine"

// Publisher delivers sync events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// Nop discards everything. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Close()                                        {}

// StatusSubject is where status refreshes and changes are announced.
func StatusSubject(machineID string) string {
	return fmt.Sprintf("%s.%s.status", SubjectPrefix, subjectToken(machineID))
}

// LogsPushedSubject is where push outcomes are announced.
func LogsPushedSubject(machineID string) string {
	return fmt.Sprintf("%s.%s.logs.pushed", SubjectPrefix, subjectToken(machineID))
}

// subjectToken keeps an id from splitting or wildcarding a subject.
func subjectToken(id string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(id)
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.Publish(ctx, subject, payload)
}

// NATSPublisher publishes on a NATS connection
type NATSPublisher struct {
	nc  *nats.Conn
	url string
}

// NewNATSPublisher connects to url. An empty url returns Nop.
func NewNATSPublisher(url string, log *zap.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name("rmmclient"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(3),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, url: url}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.nc.Publish(subject, payload)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
