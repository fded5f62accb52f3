package backplane

import "sync"

// Handler 消费某个房间主题上发布的原始负载。投递语义是 at-least-once，
// 同一条消息可能重复到达，客户端按消息 id 去重。
type Handler func(payload []byte)

// Subscription 代表一个活跃的主题订阅。
type Subscription interface {
	Unsubscribe() error
}

// Bus 是跨进程广播的发布/订阅面。同一房间的消息经由同一主题扇出到
// 所有订阅进程，包括发布方自身所在进程。
type Bus interface {
	Publish(roomID uint, payload []byte) error
	Subscribe(roomID uint, h Handler) (Subscription, error)
	Close()
}

// Loopback 是进程内 Bus 实现，供单实例部署与测试使用。
// 语义与 NATS 实现一致：发布方进程同样收到自己发布的消息。
type Loopback struct {
	mu   sync.RWMutex
	subs map[uint]map[*loopbackSub]struct{}
}

func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[uint]map[*loopbackSub]struct{})}
}

type loopbackSub struct {
	bus    *Loopback
	roomID uint
	h      Handler
}

func (s *loopbackSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.subs[s.roomID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.roomID)
		}
	}
	return nil
}

func (b *Loopback) Publish(roomID uint, payload []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[roomID]))
	for s := range b.subs[roomID] {
		handlers = append(handlers, s.h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *Loopback) Subscribe(roomID uint, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[*loopbackSub]struct{})
	}
	s := &loopbackSub{bus: b, roomID: roomID, h: h}
	b.subs[roomID][s] = struct{}{}
	return s, nil
}

func (b *Loopback) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[uint]map[*loopbackSub]struct{})
}
