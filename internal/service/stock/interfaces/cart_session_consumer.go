package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/pkg/mq"
	"stockguard/internal/service/stock/application"
)

// MessageReader 是消费者用到的 kafka.Reader 方法
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CartReleaser 释放购物车的全部预占
type CartReleaser interface {
	ReleaseCart(ctx context.Context, cartKey string) (*application.ReleaseResponse, error)
}

// CartSessionConsumer 监听购物车会话事件：购物车关闭或被放弃时立即释放预占，不等过期。
type CartSessionConsumer struct {
	reader   MessageReader
	releaser CartReleaser
	topic    string
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

func NewCartSessionConsumer(reader MessageReader, releaser CartReleaser, topic string) *CartSessionConsumer {
	return &CartSessionConsumer{reader: reader, releaser: releaser, topic: topic}
}

// Start 开始监听，消息处理在后台 goroutine 中进行。
func (c *CartSessionConsumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", c.topic).Msg("cart session consumer started")
		for {
			if c.stopped.Load() {
				return
			}
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || c.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("cart session consumer shutting down")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not read message, retrying")
				time.Sleep(time.Second)
				continue
			}

			headerCarrier := mq.KafkaHeaderCarrier(msg.Headers)
			msgCtx := otel.GetTextMapPropagator().Extract(ctx, &headerCarrier)

			// 释放失败也提交：后续消息的提交同样会越过它，预占最终由过期清理兜底
			_ = c.processMessage(msgCtx, msg)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit message")
			}
		}
	}()
	return nil
}

// Stop 停止消费并等待后台 goroutine 退出。
func (c *CartSessionConsumer) Stop(ctx context.Context) {
	c.stopped.Store(true)
	if err := c.reader.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("close kafka reader")
	}
	c.wg.Wait()
	logger.Ctx(ctx).Info().Msg("cart session consumer stopped")
}

// processMessage 返回释放失败的错误；格式错误的消息记录后跳过。
func (c *CartSessionConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var event application.CartSessionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.CartKey == "" {
		logger.Ctx(ctx).Warn().Err(err).Int64("offset", msg.Offset).Msg("malformed cart session event, skipped")
		return nil
	}

	switch event.Type {
	case application.CartSessionClosed, application.CartSessionAbandoned:
		if _, err := c.releaser.ReleaseCart(ctx, event.CartKey); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("cart_key", event.CartKey).Str("type", event.Type).Msg("release cart holds failed")
			return err
		}
	default:
		// CHECKED_OUT 由结算流程自己消耗预占
	}
	return nil
}
