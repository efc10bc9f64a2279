package lease

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Key identifies a leased entity.
type Key string

func ItemKey(id snowflake.ID) Key { return Key(fmt.Sprintf("item:%d", id)) }

func OrderKey(id snowflake.ID) Key { return Key(fmt.Sprintf("order:%d", id)) }

func TableKey(id snowflake.ID) Key { return Key(fmt.Sprintf("table:%d", id)) }

// ProductKey serializes additions of the same product to one order.
func ProductKey(orderID snowflake.ID, productID string) Key {
	return Key(fmt.Sprintf("product:%d:%s", orderID, productID))
}

// Registry hands out in-process leases. A busy key is refused rather than
// waited on.
type Registry struct {
	mu     sync.Mutex
	tokens map[Key]string
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[Key]string)}
}

// Acquire takes the lease on key. The returned release func is idempotent and
// only frees the lease it took.
func (r *Registry) Acquire(key Key) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.tokens[key]; busy {
		return func() {}, false
	}
	token := uuid.NewString()
	r.tokens[key] = token

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.tokens[key] == token {
				delete(r.tokens, key)
			}
			r.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently leased.
func (r *Registry) Held(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[key]
	return ok
}
