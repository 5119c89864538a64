// ABOUTME: Webhook management operations on the gateway facade.
// ABOUTME: Registration, activation toggles, removal, and delivery-log reads.

package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/chatgate/internal/event"
	"github.com/relaymesh/chatgate/internal/store"
)

// AddWebhookParams describes a webhook registration request. Events may be
// empty to subscribe to every event type. Secret may be empty; the gateway
// generates one so deliveries are always signed.
type AddWebhookParams struct {
	SessionID   string
	URL         string
	Events      []string
	Secret      string
	MaxAttempts int
	BackoffBase time.Duration
}

// AddWebhook registers a webhook on one of the caller's sessions and
// returns the stored record, including the generated secret.
func (g *Gateway) AddWebhook(ctx context.Context, callerID string, p AddWebhookParams) (*store.Webhook, error) {
	if _, err := g.registry.Get(p.SessionID, callerID); err != nil {
		return nil, err
	}

	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", p.URL)
	}
	for _, t := range p.Events {
		if !event.Known(t) {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
	}

	secret := p.Secret
	if secret == "" {
		secret, err = generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generating webhook secret: %w", err)
		}
	}

	now := time.Now().UTC()
	hook := &store.Webhook{
		ID:          uuid.NewString(),
		SessionID:   p.SessionID,
		URL:         p.URL,
		Events:      p.Events,
		Secret:      secret,
		Active:      true,
		MaxAttempts: p.MaxAttempts,
		BackoffBase: p.BackoffBase,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateWebhook(ctx, hook); err != nil {
		return nil, mapStoreErr(err)
	}

	g.logger.Info("webhook registered", "webhook_id", hook.ID, "session_id", p.SessionID, "url", p.URL)
	return hook, nil
}

// ListWebhooks returns the webhooks registered on one of the caller's
// sessions.
func (g *Gateway) ListWebhooks(ctx context.Context, callerID, sessionID string) ([]*store.Webhook, error) {
	if _, err := g.registry.Get(sessionID, callerID); err != nil {
		return nil, err
	}
	hooks, err := g.store.ListWebhooks(ctx, sessionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return hooks, nil
}

// SetWebhookActive pauses or resumes deliveries for a webhook. Pausing
// also cancels any retry loop currently waiting for that webhook.
func (g *Gateway) SetWebhookActive(ctx context.Context, callerID, webhookID string, active bool) error {
	if _, err := g.ownedWebhook(ctx, callerID, webhookID); err != nil {
		return err
	}
	if err := g.store.SetWebhookActive(ctx, webhookID, active); err != nil {
		return mapStoreErr(err)
	}
	if !active {
		g.dispatcher.Cancel(webhookID)
	}
	return nil
}

// RemoveWebhook deletes a webhook and cancels its pending deliveries.
// The delivery log is retained.
func (g *Gateway) RemoveWebhook(ctx context.Context, callerID, webhookID string) error {
	if _, err := g.ownedWebhook(ctx, callerID, webhookID); err != nil {
		return err
	}
	if err := g.store.DeleteWebhook(ctx, webhookID); err != nil {
		return mapStoreErr(err)
	}
	g.dispatcher.Cancel(webhookID)
	g.logger.Info("webhook removed", "webhook_id", webhookID)
	return nil
}

// ListDeliveryAttempts returns the most recent delivery-log rows for a
// webhook, newest first. A limit of 0 uses the store default.
func (g *Gateway) ListDeliveryAttempts(ctx context.Context, callerID, webhookID string, limit int) ([]*store.DeliveryAttempt, error) {
	if _, err := g.ownedWebhook(ctx, callerID, webhookID); err != nil {
		return nil, err
	}
	attempts, err := g.store.ListDeliveryAttempts(ctx, webhookID, limit)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return attempts, nil
}

// ownedWebhook loads a webhook and checks the caller owns its session.
func (g *Gateway) ownedWebhook(ctx context.Context, callerID, webhookID string) (*store.Webhook, error) {
	hook, err := g.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if _, err := g.registry.Get(hook.SessionID, callerID); err != nil {
		return nil, err
	}
	return hook, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
