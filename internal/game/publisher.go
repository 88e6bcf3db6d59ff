package game

import (
	"errors"
	"time"

	"github.com/DoyleJ11/relay4/internal/transport"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// publisher drains the outbox in order. Each envelope is retried until a
// relay accepts it or the retry window runs out; the result is reported back
// to the loop without ever blocking on it.
func (c *Controller) publisher() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case envelope := <-c.outbox:
			err := c.publish(envelope)
			if c.ctx.Err() != nil {
				return
			}
			if err != nil {
				c.log.Warn("publish gave up", zap.Error(err))
			}
			c.report(err)
		}
	}
}

func (c *Controller) publish(envelope []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(c.ctx, func() (struct{}, error) {
		err := c.cfg.Transport.Publish(c.ctx, c.cfg.Room, envelope)
		if errors.Is(err, transport.ErrRejected) && !errors.Is(err, transport.ErrUnreachable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(c.cfg.PublishRetryWindow),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Debug("publish retry", zap.Duration("retry_in", wait), zap.Error(err))
		}),
	)
	return err
}

// report keeps only the latest publish result.
func (c *Controller) report(err error) {
	select {
	case c.published <- err:
		return
	default:
	}
	select {
	case <-c.published:
	default:
	}
	select {
	case c.published <- err:
	default:
	}
}
