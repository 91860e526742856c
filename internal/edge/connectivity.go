package edge

import "sync"

// connectivity remembers whether the last origin round-trip succeeded.
type connectivity struct {
	mu          sync.Mutex
	offline     bool
	onReconnect func()
}

// observe records one round-trip outcome and reports whether it changed
// the state. The reconnect callback runs on the offline to online edge.
func (c *connectivity) observe(ok bool) bool {
	c.mu.Lock()
	changed := c.offline == ok
	c.offline = !ok
	fn := c.onReconnect
	c.mu.Unlock()

	if changed && ok && fn != nil {
		go fn()
	}
	return changed
}

func (c *connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.offline
}
