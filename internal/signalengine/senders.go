package signalengine

import (
	"fmt"
	"io"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"

	"github.com/tadams95/4ex.ninja-sub000/config"
	"github.com/tadams95/4ex.ninja-sub000/internal/notify"
)

// newSender builds the sender for one configured channel. The returned
// closer is nil when the sender holds no resources.
func newSender(ch config.ChannelConfig, rdb goredis.UniversalClient, logger *slog.Logger) (notify.Sender, io.Closer, error) {
	switch ch.Type {
	case config.ChannelLog:
		return notify.NewLogSender(ch.ID, logger), nil, nil
	case config.ChannelWebhook:
		s, err := notify.NewWebhookSender(ch.ID, ch.Webhook.URL, ch.Webhook.Format)
		return s, nil, err
	case config.ChannelTelegram:
		s, err := notify.NewTelegramSender(ch.ID, ch.Telegram.Token, ch.Telegram.ChatID, ch.Telegram.Endpoint)
		return s, nil, err
	case config.ChannelEmail:
		s, err := notify.NewEmailSender(ch.ID, notify.EmailConfig{
			Host:     ch.Email.Host,
			Port:     ch.Email.Port,
			Username: ch.Email.Username,
			Password: ch.Email.Password,
			From:     ch.Email.From,
			To:       ch.Email.To,
		})
		return s, nil, err
	case config.ChannelKafka:
		s, err := notify.NewKafkaSender(ch.ID, ch.Kafka.Brokers, ch.Kafka.Topic)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.ChannelRedis:
		return notify.NewRedisPublisher(ch.ID, rdb), nil, nil
	case config.ChannelWebsocket:
		return notify.NewHub(ch.ID, logger), nil, nil
	}
	return nil, nil, fmt.Errorf("channel %s: unknown type %q", ch.ID, ch.Type)
}
