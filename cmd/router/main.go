// Package main: router service.
//
// A router instance coordinates transfers for the assets it is authorized for. Instances sharing the same store and
// message broker form a network: they see each other's asset authority and confirmation records, exchange heartbeats
// and confirm each other's large transfers. With the memory store and broker, an instance runs alone.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarancss/xrouter/lib/config"
	"github.com/tarancss/xrouter/lib/ledger"
	"github.com/tarancss/xrouter/lib/msg"
	"github.com/tarancss/xrouter/lib/msg/amqp"
	"github.com/tarancss/xrouter/lib/msg/memory"
	"github.com/tarancss/xrouter/lib/store/db"
	"github.com/tarancss/xrouter/router"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9090")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: conf.SlogLevel()}))
	log.Info("configuration loaded", "router", conf.RouterID, "db", conf.DBType, "mb", conf.MbType,
		"ledgers", len(conf.Ledgers))

	// connect to database
	kv, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		panic(err)
	}

	defer func() {
		if errClose := db.Close(context.Background(), kv); errClose != nil {
			log.Error("closing database", "err", errClose)
		}
	}()

	// load all ledgers
	ledgers, err := ledger.Init(conf.Ledgers, log)
	if err != nil {
		panic(err)
	}

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Info("serving metrics API")

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())

			if errSrv := http.ListenAndServe(":9100", h); errSrv != nil {
				log.Error("metrics API", "err", errSrv)
			}
		}()
	}

	// load message broker
	var mb msg.Broker

	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn, log); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn, log); err != nil {
				panic(err)
			}
		}
	default:
		mb = memory.NewHub().Broker()
	}

	// create and start the router
	r, err := router.New(conf, kv, mb, ledgers, router.WithLogger(log),
		router.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		panic(err)
	}

	if err = r.Start(context.Background()); err != nil {
		panic(err)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan struct{})

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("program killed")

		ctx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout.Duration)
		defer cancel()

		// wait for the transfers in flight and drain the confirmation records
		if errStop := r.Stop(ctx); errStop != nil {
			log.Error("stopping router", "err", errStop)
		}

		close(finish)
	}()

	// init monitoring API, wait for its return and log response
	if err = r.Serve(conf.Endpoint, conf.Port); err != nil {
		log.Error("monitoring API", "err", err)
	}

	<-finish
}
