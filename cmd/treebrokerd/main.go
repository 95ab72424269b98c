// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// treebrokerd serves the realtime tree sync protocol over websockets,
// backed by a mongo replica set whose oplog drives change delivery.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3"
	"github.com/juju/pubsub/v2"
	"gopkg.in/retry.v1"

	"github.com/juju/treebroker/apiserver"
	"github.com/juju/treebroker/broker"
	"github.com/juju/treebroker/mongo"
	"github.com/juju/treebroker/oplog"
	"github.com/juju/treebroker/store"
)

var logger = loggo.GetLogger("treebroker.cmd.treebrokerd")

const dialTimeout = 10 * time.Second

// dialStrategy bounds the attempts to reach mongo at startup.
var dialStrategy = retry.LimitCount(10, retry.Exponential{
	Initial:  time.Second,
	Factor:   1.5,
	MaxDelay: 30 * time.Second,
})

type config struct {
	addr          string
	mongoURL      string
	oplogURL      string
	database      string
	collection    string
	loggingConfig string
}

func main() {
	os.Exit(Main(os.Args))
}

// Main runs the broker with the given command line arguments.
func Main(args []string) int {
	var cfg config
	f := gnuflag.NewFlagSet(args[0], gnuflag.ContinueOnError)
	f.StringVar(&cfg.addr, "addr", "localhost:9573", "address to serve the sync endpoint on")
	f.StringVar(&cfg.mongoURL, "mongo-url", "localhost:27017", "mongo URL for the tree collection")
	f.StringVar(&cfg.oplogURL, "oplog-url", "", "mongo URL for the oplog, defaults to --mongo-url")
	f.StringVar(&cfg.database, "db", "tree", "database holding the tree collection")
	f.StringVar(&cfg.collection, "collection", "bags", "collection holding the tree")
	f.StringVar(&cfg.loggingConfig, "logging-config", "<root>=INFO", "loggo configuration")
	if err := f.Parse(true, args[1:]); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if cfg.oplogURL == "" {
		cfg.oplogURL = cfg.mongoURL
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run(cfg config) error {
	if err := loggo.ConfigureLoggers(cfg.loggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	session, err := dialMongo(cfg.mongoURL)
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()
	oplogSession, err := dialMongo(cfg.oplogURL)
	if err != nil {
		return errors.Trace(err)
	}
	defer oplogSession.Close()

	st := store.New(mongo.WrapCollection(session.DB(cfg.database).C(cfg.collection)))
	b, err := broker.New(broker.Config{Store: st})
	if err != nil {
		return errors.Trace(err)
	}
	defer b.Close()

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("treebroker.hub"),
	})
	unsubscribe := hub.Subscribe(oplog.ChangeTopic, b.HandleChange)
	defer unsubscribe()

	tailer, err := oplog.NewTailer(oplog.Config{
		Collection: mongo.WrapCollection(oplogSession.DB("local").C("oplog.rs")),
		Hub:        hub,
		Clock:      clock.WallClock,
		Namespace:  cfg.database + "." + cfg.collection,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer tailer.Stop()

	server, err := apiserver.NewServer(apiserver.Config{
		Broker: b,
		Addr:   cfg.addr,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer server.Stop()
	logger.Infof("serving on %s", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-tailer.Dead():
		// The change feed is the heart of the broker; without it every
		// connected client goes stale. Die and let the supervisor
		// restart us against a healthy oplog.
		return errors.Annotate(tailer.Wait(), "oplog tailer died")
	case sig := <-sigCh:
		logger.Infof("caught %v, shutting down", sig)
		return nil
	}
}

func dialMongo(url string) (*mgo.Session, error) {
	for a := retry.Start(dialStrategy, clock.WallClock); a.Next(); {
		session, err := mgo.DialWithTimeout(url, dialTimeout)
		if err == nil {
			return session, nil
		}
		if !a.More() {
			return nil, errors.Annotatef(err, "dialling mongo at %q", url)
		}
		logger.Warningf("cannot dial mongo at %q, retrying: %v", url, err)
	}
	panic("unreachable")
}
