package msgsync

import (
	"sort"
	"sync"

	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/notify"
)

// cache is the ordered message window of one channel. messages is sorted
// by (CreatedAt, ID) and holds at most one entry per ID.
type cache struct {
	mu       sync.Mutex
	messages []models.Message
	ids      map[string]struct{}

	stream *notify.Broadcaster[[]models.Message]
	errs   *notify.Broadcaster[error]
}

func newCache() *cache {
	c := &cache{
		ids:    make(map[string]struct{}),
		stream: notify.NewBroadcaster[[]models.Message](),
		errs:   notify.NewBroadcaster[error](),
	}
	c.stream.Publish([]models.Message{})
	return c
}

type insertResult int

const (
	inserted insertResult = iota
	reconciled
	duplicate
	updated
)

// insertLocked adds msg. An entry with the same ClientID is replaced by
// msg; an entry with the same ID is kept and only its status may advance.
func (c *cache) insertLocked(msg models.Message) insertResult {
	result := inserted
	if msg.ClientID != "" {
		if i := c.indexLocked(func(m *models.Message) bool { return m.ClientID == msg.ClientID }); i >= 0 {
			if c.messages[i].ID == msg.ID {
				return c.advanceLocked(i, msg.Status)
			}
			c.removeLocked(i)
			result = reconciled
		}
	}

	if _, ok := c.ids[msg.ID]; ok {
		i := c.indexLocked(func(m *models.Message) bool { return m.ID == msg.ID })
		if r := c.advanceLocked(i, msg.Status); r == updated || result == reconciled {
			return updated
		}
		return duplicate
	}

	i := sort.Search(len(c.messages), func(i int) bool { return msg.Before(&c.messages[i]) })
	c.messages = append(c.messages, models.Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
	c.ids[msg.ID] = struct{}{}
	return result
}

// advanceLocked moves entry i to status if that is forward progress.
func (c *cache) advanceLocked(i int, status models.MessageStatus) insertResult {
	if i < 0 || !c.messages[i].Status.Advances(status) {
		return duplicate
	}
	c.messages[i].Status = status
	return updated
}

func (c *cache) indexLocked(match func(*models.Message) bool) int {
	for i := range c.messages {
		if match(&c.messages[i]) {
			return i
		}
	}
	return -1
}

func (c *cache) removeLocked(i int) {
	delete(c.ids, c.messages[i].ID)
	c.messages = append(c.messages[:i], c.messages[i+1:]...)
}

// evictLocked drops the oldest batch entries once the cache holds more
// than limit. It returns the number evicted.
func (c *cache) evictLocked(limit, batch int) int {
	if limit <= 0 || len(c.messages) <= limit {
		return 0
	}
	if batch <= 0 || batch > len(c.messages) {
		batch = len(c.messages) - limit
	}
	for _, m := range c.messages[:batch] {
		delete(c.ids, m.ID)
	}
	c.messages = append([]models.Message(nil), c.messages[batch:]...)
	return batch
}

func (c *cache) snapshotLocked() []models.Message {
	return append([]models.Message(nil), c.messages...)
}

// publishLocked pushes the current list to subscribers. Holding mu keeps
// snapshots in mutation order.
func (c *cache) publishLocked() {
	c.stream.Publish(c.snapshotLocked())
}

func (c *cache) close() {
	c.stream.Close()
	c.errs.Close()
}
