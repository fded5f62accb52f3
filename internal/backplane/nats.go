package backplane

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS 是跨进程 Bus 实现，每个房间一个 subject（room.msg.<id>）。
// 投递保证为 at-least-once，重复投递由客户端按消息 id 去重。
type NATS struct {
	nc *nats.Conn
}

// ConnectNATS 建立 NATS 连接，带重试等待容器就绪，断线自动重连。
func ConnectNATS(url string) (*NATS, error) {
	var nc *nats.Conn
	var err error
	for i := 0; i < 10; i++ {
		nc, err = nats.Connect(url,
			nats.Name("chatcore"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			return &NATS{nc: nc}, nil
		}
		log.Info().Err(err).Int("attempt", i+1).Msg("waiting for nats")
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

func subject(roomID uint) string {
	return fmt.Sprintf("room.msg.%d", roomID)
}

func (b *NATS) Publish(roomID uint, payload []byte) error {
	return b.nc.Publish(subject(roomID), payload)
}

func (b *NATS) Subscribe(roomID uint, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject(roomID), func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub: sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }

func (b *NATS) Close() {
	if err := b.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats drain")
		b.nc.Close()
	}
}
