package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/meidoworks/sqlbus/config"
	"github.com/meidoworks/sqlbus/service/admin"
	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/service/sqlqueue"
	"github.com/meidoworks/sqlbus/service/subscriptions"
	"github.com/meidoworks/sqlbus/service/transport"
	"github.com/meidoworks/sqlbus/shared/codec"
)

var (
	configFile           string
	generateSampleConfig bool
)

func init() {
	flag.StringVar(&configFile, "c", "sqlbus.toml", "-c=sqlbus.toml")
	flag.BoolVar(&generateSampleConfig, "gencfg", false, "-gencfg")

	flag.Parse()
}

func main() {
	if generateSampleConfig {
		fs := afero.NewOsFs()
		f, err := fs.Create("sqlbus.toml.example")
		if err != nil {
			panic(err)
		}
		defer f.Close()
		if err := config.WriteDefault(f); err != nil {
			panic(err)
		}
		os.Exit(1)
	}

	cfg := new(config.SqlBusConfig)
	if len(configFile) > 0 {
		fs := afero.NewOsFs()
		cfgData, err := afero.ReadFile(fs, configFile)
		if err != nil {
			panic(err)
		}
		if err := toml.Unmarshal(cfgData, cfg); err != nil {
			panic(err)
		}
	} else {
		panic(errors.New("sqlbus config file not specified"))
	}
	cfg.MergeDefault()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	node := startNode(cfg)

	waiting()

	node.shutdown()
}

type busNode struct {
	manager   *sqlqueue.QueueManager
	transport *transport.SqlTransport
	admin     *admin.AdminServer
}

func startNode(cfg *config.SqlBusConfig) *busNode {
	queueName, err := busapi.QueueNameFromUri(cfg.Bus.Endpoint)
	if err != nil {
		panic(err)
	}

	manager, err := sqlqueue.NewQueueManager(cfg.Bus.Endpoint, &sqlqueue.StorageConfig{
		Sources:  cfg.Storage.Sources,
		Replicas: cfg.Storage.Replicas,
		Lease:    time.Duration(cfg.Bus.LeaseSeconds) * time.Second,
	})
	if err != nil {
		panic(err)
	}
	if err := manager.Provision(); err != nil {
		panic(err)
	}

	serializer := codec.NewCborSerializer()
	subscriptions.RegisterAdminMessages(serializer)

	queue := manager.GetQueue(queueName)
	tr, err := transport.NewSqlTransport(manager, queue, serializer, transport.Options{
		Endpoint:    cfg.Bus.Endpoint,
		ThreadCount: cfg.Bus.ThreadCount,
		Retries:     cfg.Bus.Retries,
	})
	if err != nil {
		panic(err)
	}
	tr.AttachRetentionSweeper(transport.NewRetentionSweeper(manager))

	subs := subscriptions.NewGenericSubscriptionStorage(
		cfg.Bus.Endpoint, manager, sqlqueue.NewSqlItemStorage(manager),
		serializer, subscriptions.DefaultConsumerTypeResolver{})
	if err := subs.Initialize(); err != nil {
		panic(err)
	}
	tr.Events.AdministrativeMessageArrived.Add(subs.HandleAdministrativeMessage)

	node := &busNode{manager: manager, transport: tr}

	if !cfg.Admin.Disable {
		adminServer := admin.NewAdminServer(cfg.Admin.Listen, manager, subs)
		adminServer.AttachTransport(tr)
		if err := adminServer.Start(); err != nil {
			panic(err)
		}
		node.admin = adminServer
	}

	if err := tr.Start(); err != nil {
		panic(err)
	}
	return node
}

func (n *busNode) shutdown() {
	n.transport.Stop()
	if n.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = n.admin.Shutdown(ctx)
	}
	_ = n.manager.Close()
}

func waiting() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	sig := <-sigs
	log.Printf("terminating: %v", sig)
}
