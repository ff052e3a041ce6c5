package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"river-workorder/internal/config"
	"river-workorder/internal/domain"
	"river-workorder/internal/redisx"
	"river-workorder/internal/repository"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Channel 投递通道
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n *domain.Notification) error
}

// MessageChannel 站内消息；消息 ID 与通知 ID 相同，重复投递不会产生重复消息
type MessageChannel struct {
	repo repository.MessagesRepository
}

func NewMessageChannel(repo repository.MessagesRepository) *MessageChannel {
	return &MessageChannel{repo: repo}
}

func (c *MessageChannel) Name() string { return "message" }

func (c *MessageChannel) Deliver(ctx context.Context, n *domain.Notification) error {
	return c.repo.CreateMessage(ctx, &domain.Message{
		ID:          n.ID,
		UserID:      n.UserID,
		Title:       n.Title,
		Content:     n.Content,
		Kind:        n.Kind,
		RelatedType: n.RelatedType,
		RelatedID:   n.RelatedID,
		CreatedAt:   n.CreatedAt,
	})
}

// JPushChannel 极光推送（移动端）
type JPushChannel struct {
	client     *resty.Client
	subs       repository.SubscriptionsRepository
	production bool
	logger     *zap.Logger
}

type jpushRequest struct {
	Platform     string            `json:"platform"`
	Audience     map[string]any    `json:"audience"`
	Notification jpushNotification `json:"notification"`
	Options      map[string]any    `json:"options"`
}

type jpushNotification struct {
	Alert   string         `json:"alert"`
	Android map[string]any `json:"android"`
	IOS     map[string]any `json:"ios"`
}

type jpushError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewJPushChannel baseURL 默认 https://api.jpush.cn
func NewJPushChannel(cfg *config.PushConfig, subs repository.SubscriptionsRepository, logger *zap.Logger) *JPushChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.JPushBaseURL).
		SetTimeout(timeout).
		SetBasicAuth(cfg.JPushAppKey, cfg.JPushMasterSecret).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &JPushChannel{client: client, subs: subs, production: cfg.JPushProduction, logger: logger}
}

func (c *JPushChannel) Name() string { return "jpush" }

func (c *JPushChannel) Deliver(ctx context.Context, n *domain.Notification) error {
	subs, err := c.subs.ListSubscriptions(ctx, n.UserID, domain.PushJPush)
	if err != nil {
		return fmt.Errorf("list jpush subscriptions: %w", err)
	}
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.RegistrationID != "" {
			ids = append(ids, s.RegistrationID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	extras := map[string]any{"kind": n.Kind, "related_type": n.RelatedType, "related_id": n.RelatedID}
	body := jpushRequest{
		Platform: "all",
		Audience: map[string]any{"registration_id": ids},
		Notification: jpushNotification{
			Alert:   n.Content,
			Android: map[string]any{"title": n.Title, "alert": n.Content, "extras": extras},
			IOS:     map[string]any{"alert": n.Content, "sound": "default", "extras": extras},
		},
		Options: map[string]any{"apns_production": c.production, "time_to_live": 86400},
	}

	var failure jpushError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&failure).
		Post("/v3/push")
	if err != nil {
		return fmt.Errorf("jpush request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("jpush returned %d: %s (code %d)", resp.StatusCode(), failure.Error.Message, failure.Error.Code)
	}
	c.logger.Debug("JPush delivered", zap.String("notification_id", n.ID), zap.Int("devices", len(ids)))
	return nil
}

// WebPushSender 发送单条 Web Push
type WebPushSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

type defaultWebPushSender struct{}

func (defaultWebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WebPushChannel 浏览器推送（调度台）
type WebPushChannel struct {
	sender  WebPushSender
	subs    repository.SubscriptionsRepository
	options *webpush.Options
	logger  *zap.Logger
}

func NewWebPushChannel(cfg *config.PushConfig, subs repository.SubscriptionsRepository, logger *zap.Logger) *WebPushChannel {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 3600
	}
	return &WebPushChannel{
		sender: defaultWebPushSender{},
		subs:   subs,
		options: &webpush.Options{
			Subscriber:      cfg.VAPIDSubject,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			TTL:             ttl,
		},
		logger: logger,
	}
}

// WithSender 替换发送实现
func (c *WebPushChannel) WithSender(s WebPushSender) *WebPushChannel {
	c.sender = s
	return c
}

func (c *WebPushChannel) Name() string { return "webpush" }

func (c *WebPushChannel) Deliver(ctx context.Context, n *domain.Notification) error {
	subs, err := c.subs.ListSubscriptions(ctx, n.UserID, domain.PushWebPush)
	if err != nil {
		return fmt.Errorf("list webpush subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"title":        n.Title,
		"body":         n.Content,
		"kind":         n.Kind,
		"related_type": n.RelatedType,
		"related_id":   n.RelatedID,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range subs {
		resp, err := c.sender.Send(payload, &webpush.Subscription{
			Endpoint: s.Endpoint,
			Keys:     webpush.Keys{P256dh: s.P256dh, Auth: s.Auth},
		}, c.options)
		if err != nil {
			errs = append(errs, fmt.Errorf("webpush %s: %w", s.ID, err))
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			// 订阅已失效
			c.logger.Info("WebPush subscription expired, deleting",
				zap.String("subscription_id", s.ID), zap.String("user_id", s.UserID))
			if err := c.subs.DeleteSubscription(ctx, s.ID); err != nil {
				c.logger.Warn("Failed to delete expired subscription", zap.String("subscription_id", s.ID), zap.Error(err))
			}
		case resp.StatusCode >= 400:
			errs = append(errs, fmt.Errorf("webpush %s: status %d", s.ID, resp.StatusCode))
		}
	}
	return errors.Join(errs...)
}

// Publisher MQTT 发布能力（*mqttx.Client 满足该接口）
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTChannel 按用户 topic 推送到巡河终端：<prefix>/<user_id>
type MQTTChannel struct {
	publisher Publisher
	prefix    string
}

func NewMQTTChannel(p Publisher, prefix string) *MQTTChannel {
	if prefix == "" {
		prefix = "river/notifications"
	}
	return &MQTTChannel{publisher: p, prefix: prefix}
}

func (c *MQTTChannel) Name() string { return "mqtt" }

func (c *MQTTChannel) Deliver(_ context.Context, n *domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return c.publisher.Publish(c.prefix+"/"+n.UserID, payload)
}

// StreamChannel 写入 Redis Stream，供其它服务订阅
type StreamChannel struct {
	client redisx.StreamAdder
	stream string
}

func NewStreamChannel(client redisx.StreamAdder, stream string) *StreamChannel {
	if stream == "" {
		stream = "workorder:notifications"
	}
	return &StreamChannel{client: client, stream: stream}
}

func (c *StreamChannel) Name() string { return "stream" }

func (c *StreamChannel) Deliver(ctx context.Context, n *domain.Notification) error {
	_, err := redisx.PublishJSONToStream(ctx, c.client, c.stream, n)
	return err
}
