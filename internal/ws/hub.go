package ws

import (
	"sync"

	"chatcore/internal/backplane"
	"chatcore/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 维护本进程内 房间 -> 客户端集合 的扇出表。每个有本地客户端的
// 房间持有一个 backplane 订阅，最后一个客户端离开时释放。本地投递
// 与跨进程投递走同一条路径：消息先发布到 backplane，再由订阅回调
// 扇出给本地客户端，发送者自己也从这条路径收到回显。
type Hub struct {
	mu    sync.RWMutex
	bus   backplane.Bus
	rooms map[uint]map[*Client]bool
	subs  map[uint]backplane.Subscription
}

func NewHub(bus backplane.Bus) *Hub {
	return &Hub{
		bus:   bus,
		rooms: make(map[uint]map[*Client]bool),
		subs:  make(map[uint]backplane.Subscription),
	}
}

// Join 把客户端加入房间扇出表。该房间在本进程的第一个客户端会触发
// backplane 订阅。
func (h *Hub) Join(c *Client, roomID uint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.rooms[roomID]
	if set == nil {
		sub, err := h.bus.Subscribe(roomID, func(payload []byte) {
			h.fanout(roomID, payload)
		})
		if err != nil {
			return err
		}
		set = make(map[*Client]bool)
		h.rooms[roomID] = set
		h.subs[roomID] = sub
		metrics.RoomSubscriptions.Inc()
	}
	set[c] = true
	return nil
}

// Leave 把客户端移出房间扇出表，移除重复或未加入的组合是无害的。
// 房间的最后一个本地客户端离开时退订 backplane，退订失败只记日志。
func (h *Hub) Leave(c *Client, roomID uint) {
	h.mu.Lock()
	set := h.rooms[roomID]
	if set == nil {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	var sub backplane.Subscription
	if len(set) == 0 {
		delete(h.rooms, roomID)
		sub = h.subs[roomID]
		delete(h.subs, roomID)
	}
	h.mu.Unlock()
	if sub != nil {
		metrics.RoomSubscriptions.Dec()
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Uint("room_id", roomID).Msg("backplane unsubscribe")
		}
	}
}

// LeaveAll 在连接断开时释放其全部房间，注销会话后的唯一清理路径。
func (h *Hub) LeaveAll(c *Client, roomIDs []uint) {
	for _, id := range roomIDs {
		h.Leave(c, id)
	}
}

// fanout 把 backplane 投递的负载转发给本地加入该房间的所有客户端。
func (h *Hub) fanout(roomID uint, payload []byte) {
	metrics.BackplaneDeliveries.Inc()
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.enqueue(payload)
	}
}

// Online 返回房间当前的本地在线客户端数，供 REST 接口复用。
func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
