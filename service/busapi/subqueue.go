package busapi

// Well-known subqueues. An empty subqueue name addresses the main queue.
const (
	SubQueueErrors    = "errors"
	SubQueueTimeout   = "timeout"
	SubQueueDiscarded = "discarded"
)
