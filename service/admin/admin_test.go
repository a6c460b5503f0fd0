package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/service/sqlqueue"
	"github.com/meidoworks/sqlbus/service/subscriptions"
	"github.com/meidoworks/sqlbus/shared/codec"
	"github.com/meidoworks/sqlbus/shared/testlib"
)

type fixedStats struct {
	stats []sqlqueue.QueueStats
}

func (f fixedStats) Stats() ([]sqlqueue.QueueStats, error) {
	return f.stats, nil
}

type nopTx struct{}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }

type nopBeginner struct{}

func (nopBeginner) Begin() (busapi.Tx, error) { return nopTx{}, nil }

type nopItems struct{}

func (nopItems) GetItemsByKey(busapi.Tx, string) ([]busapi.StoredItem, error) { return nil, nil }
func (nopItems) AddItem(busapi.Tx, string, []byte) (int64, error)             { return 1, nil }
func (nopItems) RemoveItems(busapi.Tx, string, []int64) error                 { return nil }

func newTestServer(stats []sqlqueue.QueueStats) (*AdminServer, *httptest.Server) {
	gin.SetMode(gin.TestMode)
	c := codec.NewCborSerializer()
	subscriptions.RegisterAdminMessages(c)
	subs := subscriptions.NewGenericSubscriptionStorage(
		"sqlbus://localhost/orders", nopBeginner{}, nopItems{}, c,
		subscriptions.DefaultConsumerTypeResolver{})
	subs.AddSubscriptionFor("orders.Placed", "sqlbus://a/orders")

	s := NewAdminServer("", fixedStats{stats: stats}, subs)
	s.buildRoutes()
	return s, httptest.NewServer(s.engine)
}

func TestQueueStatsEndpoint(t *testing.T) {
	_, server := newTestServer([]sqlqueue.QueueStats{
		{QueueName: "orders", Pending: 3, Processed: 7},
		{QueueName: "orders", SubQueueName: "errors", Pending: 1},
		{QueueName: "billing", Pending: 0, Processed: 2},
	})
	defer server.Close()

	resp, err := http.Get(server.URL + "/queues/stats")
	testlib.AssertError(t, err)
	defer func() { _ = resp.Body.Close() }()
	testlib.AssertTrue(t, resp.StatusCode == http.StatusOK, "stats must respond 200")

	var all []sqlqueue.QueueStats
	testlib.AssertError(t, json.NewDecoder(resp.Body).Decode(&all))
	testlib.AssertTrue(t, len(all) == 3, "all queues reported")

	resp, err = http.Get(server.URL + "/queues/orders/stats")
	testlib.AssertError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var filtered []sqlqueue.QueueStats
	testlib.AssertError(t, json.NewDecoder(resp.Body).Decode(&filtered))
	testlib.AssertTrue(t, len(filtered) == 2, "orders has two stat rows")

	resp, err = http.Get(server.URL + "/queues/nosuch/stats")
	testlib.AssertError(t, err)
	_ = resp.Body.Close()
	testlib.AssertTrue(t, resp.StatusCode == http.StatusNotFound, "unknown queue responds 404")
}

func TestSubscriptionsEndpoint(t *testing.T) {
	_, server := newTestServer(nil)
	defer server.Close()

	resp, err := http.Get(server.URL + "/subscriptions")
	testlib.AssertError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var subs map[string][]string
	testlib.AssertError(t, json.NewDecoder(resp.Body).Decode(&subs))
	testlib.AssertDeepEqual(t,
		map[string][]string{"orders.Placed": {"sqlbus://a/orders"}}, subs)
}

func TestEventHubFanOutAndSlowClient(t *testing.T) {
	hub := newEventHub()
	fast := hub.subscribe()
	slow := hub.subscribe()

	// fill the slow client's buffer
	for i := 0; i < 70; i++ {
		hub.Publish(EventFrame{Event: "completed"})
	}
	testlib.AssertTrue(t, len(fast) == 64, "fast client buffer is full")
	testlib.AssertTrue(t, len(slow) == 64, "slow client frames beyond the buffer are dropped")

	// drain one side, the other is unaffected
	<-fast
	hub.Publish(EventFrame{Event: "sent"})
	testlib.AssertTrue(t, len(fast) == 64, "fast client keeps receiving")

	hub.unsubscribe(slow)
	hub.Publish(EventFrame{Event: "sent"})

	hub.close()
	if _, open := <-fast; open {
		// frames buffered before close are still delivered
		for range fast {
		}
	}
	after := hub.subscribe()
	if _, open := <-after; open {
		t.Fatal("subscribing after close must yield a closed channel")
	}
}

func (h *eventHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for", what)
}

func TestEventFeedObservesClientClose(t *testing.T) {
	s, server := newTestServer(nil)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	feedUrl := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	conn, _, err := websocket.Dial(ctx, feedUrl, nil)
	testlib.AssertError(t, err)

	waitFor(t, 5*time.Second, "feed subscription", func() bool {
		return s.hub.clientCount() == 1
	})

	s.hub.Publish(EventFrame{Event: "completed", MessageId: "m-1", At: time.Now()})
	_, data, err := conn.Read(ctx)
	testlib.AssertError(t, err)
	var frame EventFrame
	testlib.AssertError(t, json.Unmarshal(data, &frame))
	testlib.AssertTrue(t, frame.Event == "completed" && frame.MessageId == "m-1", "published frame reaches the client")

	// the server side must notice the close and drop the subscriber
	// even though it never writes another frame
	testlib.AssertError(t, conn.Close(websocket.StatusNormalClosure, ""))
	waitFor(t, 5*time.Second, "feed teardown", func() bool {
		return s.hub.clientCount() == 0
	})
}
