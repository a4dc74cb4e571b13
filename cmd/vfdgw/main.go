// Command vfdgw runs the drive control core: it loads configuration,
// builds the VFD registry, opens the Modbus RTU bus, and serves the
// operator HTTP/WebSocket surface until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/levitree/vfdgw/internal/adapter"
	"github.com/levitree/vfdgw/internal/bus"
	"github.com/levitree/vfdgw/internal/command"
	"github.com/levitree/vfdgw/internal/config"
	"github.com/levitree/vfdgw/internal/poller"
	"github.com/levitree/vfdgw/internal/registry"
	"github.com/levitree/vfdgw/internal/transport"
)

// shutdownGrace bounds how long the HTTP server waits for in-flight
// requests (including open WebSocket connections) to drain on shutdown.
const shutdownGrace = 5 * time.Second

type options struct {
	ConfigPath string `short:"c" long:"config" default:"config.yaml" description:"path to the YAML configuration file"`
	SerialPath string `short:"s" long:"serial" description:"override modbus_path from config"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		log.Printf("vfdgw: %v", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	if opts.SerialPath != "" {
		cfg.ModbusPath = opts.SerialPath
	}

	drives, skipped := cfg.Drives()
	for _, d := range skipped {
		log.Printf("vfdgw: skipping modbus_devices entry %q: unsupported type %q", d.Name, d.Type)
	}
	if len(drives) == 0 {
		return fmt.Errorf("startup: no operative VFD devices in %s", opts.ConfigPath)
	}

	reg := registry.New(drives)

	serialCfg := transport.DefaultSerialConfig(cfg.ModbusPath)
	serialCfg.BaudRate = cfg.ModbusBaud
	arb := bus.New(func() (transport.Conn, error) {
		return transport.Dial(serialCfg)
	})
	if err := arb.Initialize(context.Background()); err != nil {
		log.Printf("vfdgw: initial bus dial failed, will retry via poller recovery: %v", err)
	}
	defer arb.Close()

	pollr := poller.New(reg, arb)
	cmdSurface := command.New(reg, arb)
	httpAdapter := adapter.New(reg, cmdSurface)

	var mqttClient mqtt.Client
	if cfg.MQTTBroker != "" {
		mqttClient, err = adapter.NewMQTTClient(cfg.MQTTBroker, "vfdgw-"+cfg.BindAddr)
		if err != nil {
			log.Printf("vfdgw: mqtt egress disabled, connect failed: %v", err)
			mqttClient = nil
		}
	}

	server := &http.Server{Addr: cfg.BindAddr, Handler: httpAdapter.Routes()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := pollr.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if mqttClient != nil {
		topicPrefix := cfg.MQTTTopic
		if topicPrefix == "" {
			topicPrefix = "vfdgw"
		}
		g.Go(func() error {
			adapter.RunMQTTPublisher(gctx, reg, mqttClient, topicPrefix)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Printf("vfdgw: listening on %s with %d drive(s)", cfg.BindAddr, len(drives))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	stop()
	return g.Wait()
}
