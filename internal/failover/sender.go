package failover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"guestkey/config"
	"guestkey/internal/log"
	"guestkey/internal/metrics"
)

// Snapshot reports the figures a heartbeat carries.
type Snapshot func(ctx context.Context) (activeReservations int, notifierReady bool)

// payload is the heartbeat wire format.
type payload struct {
	Node               string    `json:"node"`
	Timestamp          time.Time `json:"timestamp"`
	ActiveReservations int       `json:"activeReservations"`
	NotifierReady      bool      `json:"whatsappReady"`
	Token              string    `json:"token,omitempty"`
}

// Sender posts heartbeats from the primary to its standby.
type Sender struct {
	node     string
	url      string
	token    string
	interval time.Duration
	snapshot Snapshot
	client   *http.Client
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSender creates a Sender for cfg.PeerURL.
func NewSender(node string, cfg config.FailoverConfig, snapshot Snapshot) *Sender {
	return &Sender{
		node:     node,
		url:      cfg.PeerURL,
		token:    cfg.Token,
		interval: cfg.HeartbeatInterval,
		snapshot: snapshot,
		client:   &http.Client{Timeout: cfg.HeartbeatTimeout},
		now:      time.Now,
		logger:   log.WithComponent("failover"),
	}
}

// Send posts one heartbeat.
func (s *Sender) Send(ctx context.Context) error {
	active, ready := s.snapshot(ctx)
	body, err := json.Marshal(payload{
		Node:               s.node,
		Timestamp:          s.now().UTC(),
		ActiveReservations: active,
		NotifierReady:      ready,
		Token:              s.token,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}
	return nil
}

// Run sends a heartbeat immediately and then on every interval. Failures are
// logged and never stop the loop.
func (s *Sender) Run(ctx context.Context) {
	if s.url == "" {
		s.logger.Info().Msg("no peer configured, heartbeat sender disabled")
		return
	}
	s.logger.Info().Str("peer", s.url).Dur("interval", s.interval).Msg("starting heartbeat sender")
	s.sendOnce(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("heartbeat sender shutting down")
			return
		case <-timer.C:
			s.sendOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Sender) sendOnce(ctx context.Context) {
	if err := s.Send(ctx); err != nil {
		metrics.HeartbeatsSent.WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Msg("heartbeat send failed")
		return
	}
	metrics.HeartbeatsSent.WithLabelValues("ok").Inc()
	s.logger.Debug().Msg("heartbeat sent")
}
