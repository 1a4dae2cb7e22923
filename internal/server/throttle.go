package server

import (
	"container/list"
	"net"
	"sync"
	"time"
)

// throttleMaxSources bounds the per-source bucket table. When full, the least
// recently seen source is evicted, which grants it a fresh burst on return.
const throttleMaxSources = 4096

// handshakeThrottle applies a per-source token bucket to incoming connections
// before any TLS bytes are exchanged. Each source address refills at rate
// tokens per second up to burst.
type handshakeThrottle struct {
	rate       float64
	burst      float64
	maxSources int

	mu      sync.Mutex
	sources map[string]*list.Element
	order   *list.List // front is most recently seen
}

type sourceBucket struct {
	host       string
	tokens     float64
	lastRefill time.Time
}

// newHandshakeThrottle returns nil when rate is zero, which disables
// throttling entirely. Burst defaults to the rate.
func newHandshakeThrottle(rate, burst int) *handshakeThrottle {
	if rate <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = rate
	}
	return &handshakeThrottle{
		rate:       float64(rate),
		burst:      float64(burst),
		maxSources: throttleMaxSources,
		sources:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// allow consumes one token for the connection's source host. A nil throttle
// allows everything.
func (t *handshakeThrottle) allow(addr net.Addr, now time.Time) bool {
	if t == nil {
		return true
	}

	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.sources[host]
	if ok {
		t.order.MoveToFront(elem)
	} else {
		if t.order.Len() >= t.maxSources {
			oldest := t.order.Back()
			if oldest != nil {
				t.order.Remove(oldest)
				delete(t.sources, oldest.Value.(*sourceBucket).host)
			}
		}
		elem = t.order.PushFront(&sourceBucket{
			host:       host,
			tokens:     t.burst,
			lastRefill: now,
		})
		t.sources[host] = elem
	}

	bucket := elem.Value.(*sourceBucket)
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		bucket.tokens += elapsed * t.rate
		if bucket.tokens > t.burst {
			bucket.tokens = t.burst
		}
	}
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}
