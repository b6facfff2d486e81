package slack

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service implements proxy.ErrorNotifier by posting upstream-error
// notifications to a Slack channel.
// Nil-safe: NotifyError is a no-op when Service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty, leaving notification disabled.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NotifyError sends an upstream-error notification for a proxied request.
// Fail-open: delivery errors are logged, never returned.
func (s *Service) NotifyError(ctx context.Context, requestID, domain string, cause error) {
	if s == nil {
		return
	}

	blocks := BuildErrorMessage(requestID, domain, cause)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("failed to send Slack error notification",
			"request_id", requestID,
			"domain", domain,
			"error", err)
	}
}
