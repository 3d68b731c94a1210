package redisx

import "time"

const (
	// Distributed lock: lock:{name} -> owner token
	KeyLock = "lock:%s"

	// Cart items: cart:{user_id}:items -> hash variant_id => CartItem JSON
	KeyCartItems = "cart:%s:items"
	// Cart metadata: cart:{user_id}:meta -> hash id, created_at, updated_at
	KeyCartMeta = "cart:%s:meta"

	// Cache status order: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Per-user status channel: orders:user:{user_id}
	ChannelUserOrders = "orders:user:%s"

	// Job queue: queue:{name}:{wait|active|delayed|failed}, queue:{name}:job:{id}
	KeyQueue    = "queue:%s:%s"
	KeyQueueJob = "queue:%s:job:%s"
)

// Lock names, all namespaced under KeyLock.
const (
	LockCart          = "cartlock:%s"
	LockOrderCreation = "user:%s:order-creation"
	LockOrderStatus   = "order:%s:status"
	LockOrder         = "order:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLCart        = 7 * 24 * time.Hour
)
