package adminclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/meidoworks/sqlbus/service/sqlqueue"
)

var ErrQueueUnknown = errors.New("adminclient: queue unknown to the node")

// AdminClient talks to a bus node's admin surface.
type AdminClient struct {
	r    *resty.Client
	host string
}

func NewAdminClient(host string) *AdminClient {
	r := resty.New()
	r.SetTimeout(10 * time.Second)
	return &AdminClient{
		r:    r,
		host: host,
	}
}

// QueueStats fetches the per-subqueue counters of every queue on the
// node.
func (c *AdminClient) QueueStats() ([]sqlqueue.QueueStats, error) {
	var stats []sqlqueue.QueueStats
	resp, err := c.r.R().
		SetResult(&stats).
		Get(fmt.Sprintf("%s/queues/stats", c.host))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("adminclient: queue stats failed with status %d", resp.StatusCode())
	}
	return stats, nil
}

// QueueStatsFor fetches the counters of a single queue.
func (c *AdminClient) QueueStatsFor(queueName string) ([]sqlqueue.QueueStats, error) {
	var stats []sqlqueue.QueueStats
	resp, err := c.r.R().
		SetResult(&stats).
		Get(fmt.Sprintf("%s/queues/%s/stats", c.host, queueName))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode() {
	case 200:
		return stats, nil
	case 404:
		return nil, ErrQueueUnknown
	default:
		return nil, fmt.Errorf("adminclient: queue stats failed with status %d", resp.StatusCode())
	}
}

// Subscriptions fetches the durable routing table: message type to
// subscribed endpoints.
func (c *AdminClient) Subscriptions() (map[string][]string, error) {
	var subs map[string][]string
	resp, err := c.r.R().
		SetResult(&subs).
		Get(fmt.Sprintf("%s/subscriptions", c.host))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("adminclient: subscriptions failed with status %d", resp.StatusCode())
	}
	return subs, nil
}
