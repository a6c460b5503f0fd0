package main

import (
	"flag"
	"log"
	"time"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/service/sqlqueue"
	"github.com/meidoworks/sqlbus/service/transport"
	"github.com/meidoworks/sqlbus/shared/codec"
)

// Demo: start one bus node against a local PostgreSQL, publish a few
// orders and watch them come back through the worker pool, including
// one deferred delivery.

type OrderPlaced struct {
	OrderId string `cbor:"1,keyasint"`
	Total   int64  `cbor:"2,keyasint"`
}

var (
	dsn      string
	endpoint string
)

func init() {
	flag.StringVar(&dsn, "dsn", "host=localhost user=admin password=admin dbname=sqlbus port=5432 sslmode=disable", "-dsn=<postgres dsn>")
	flag.StringVar(&endpoint, "endpoint", "sqlbus://localhost/demo", "-endpoint=sqlbus://host/queue")
	flag.Parse()
}

func main() {
	queueName, err := busapi.QueueNameFromUri(endpoint)
	if err != nil {
		log.Fatal(err)
	}

	manager, err := sqlqueue.NewQueueManager(endpoint, &sqlqueue.StorageConfig{
		Sources: []string{dsn},
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := manager.Provision(); err != nil {
		log.Fatal(err)
	}
	defer manager.Close()

	serializer := codec.NewCborSerializer()
	serializer.Register(codec.TypeName(&OrderPlaced{}), func() any { return new(OrderPlaced) })

	tr, err := transport.NewSqlTransport(manager, manager.GetQueue(queueName), serializer, transport.Options{
		Endpoint:    endpoint,
		ThreadCount: 2,
	})
	if err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{}, 4)
	tr.Events.MessageArrived.Add(func(info *busapi.CurrentMessageInformation) bool {
		order, ok := info.Message.(*OrderPlaced)
		if !ok {
			return false
		}
		log.Printf("order %s arrived, total=%d", order.OrderId, order.Total)
		return true
	})
	tr.Events.MessageProcessingCompleted.Add(func(info *busapi.CurrentMessageInformation) {
		done <- struct{}{}
	})

	if err := tr.Start(); err != nil {
		log.Fatal(err)
	}
	defer tr.Stop()

	for i, id := range []string{"A-1001", "A-1002", "A-1003"} {
		if err := tr.Send(endpoint, &OrderPlaced{OrderId: id, Total: int64(100 * (i + 1))}); err != nil {
			log.Fatal(err)
		}
	}
	// this one arrives roughly three seconds later
	if err := tr.SendAt(endpoint, time.Now().Add(3*time.Second), &OrderPlaced{OrderId: "A-2001", Total: 999}); err != nil {
		log.Fatal(err)
	}

	deadline := time.After(30 * time.Second)
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-deadline:
			log.Fatal("timed out waiting for deliveries")
		}
	}
	log.Println("all orders processed")
}
