package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/urfave/cli"

	"rcdrive/pkg/config"
	"rcdrive/pkg/engine"
	"rcdrive/pkg/link"
	"rcdrive/pkg/logger"
	"rcdrive/pkg/protocol"
	"rcdrive/pkg/status"
)

// runtime is the ambient stack every command shares: config, logs, the
// event hub and its observers.
type runtime struct {
	ctx   context.Context
	cfg   config.Config
	log   *logger.Logger
	hub   *engine.Hub
	owner *link.Owner

	closers []func()
}

func withRuntime(c *cli.Context, name string, stderr io.Writer, fn func(*runtime) error) error {
	cfg, exists, err := config.LoadOrDefault(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if c.GlobalBool("debug") {
		cfg.Log.Debug = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, name, cfg, stderr)
	if err != nil {
		return err
	}
	defer rt.close()
	if !exists {
		rt.log.Infof("config %s not found, using defaults", c.GlobalString("config"))
	}
	return fn(rt)
}

func newRuntime(ctx context.Context, name string, cfg config.Config, console io.Writer) (*runtime, error) {
	log, err := logger.New(name, logger.Options{
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Debug:      cfg.Log.Debug,
	}, console)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		ctx:   ctx,
		cfg:   cfg,
		log:   log,
		hub:   engine.NewHub(),
		owner: &link.Owner{},
	}
	rt.closers = append(rt.closers, func() {
		if n := rt.hub.Dropped(); n > 0 {
			log.Warnf("event hub dropped %d deliveries", n)
		}
		_ = log.Close()
	})
	go rt.hub.Run(ctx)

	if cfg.Log.Journal != "" {
		file, err := os.OpenFile(cfg.Log.Journal, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = file.Close() })
		go logger.NewJSONLWriter(file).Consume(ctx, rt.hub.Subscribe())
	}

	if cfg.MQTT.Broker != "" {
		client := status.Connect(status.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      byte(cfg.MQTT.QoS),
		}, log)
		rt.closers = append(rt.closers, func() { disconnect(client) })
		pub := status.NewPublisher(client, cfg.MQTT.Topic, byte(cfg.MQTT.QoS), log)
		go pub.Consume(ctx, rt.hub.Subscribe())
	}
	return rt, nil
}

func disconnect(client mqtt.Client) {
	client.Disconnect(250)
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// openLink returns the controller link: the configured serial port, or the
// host end of a simulated controller.
func (rt *runtime) openLink(sim bool) (io.ReadWriteCloser, error) {
	if sim {
		rt.log.Infof("using simulated controller")
		return startSim(rt), nil
	}
	port, err := link.OpenSerial(link.SerialConfig{
		Name:        rt.cfg.Link.Port,
		Baud:        rt.cfg.Link.Baud,
		ReadTimeout: rt.cfg.Link.ReadTimeoutDuration(),
	})
	if err != nil {
		return nil, err
	}
	rt.log.Infof("serial port opened: %s @ %d baud", rt.cfg.Link.Port, rt.cfg.Link.Baud)
	return port, nil
}

func (rt *runtime) newWriter(port io.Writer) *link.Writer {
	return link.NewWriter(port,
		link.WithWriteTimeout(rt.cfg.Link.WriteTimeoutDuration()),
		link.WithLogger(rt.log),
		link.WithHealthHandler(func(ok bool) {
			rt.hub.Publish(engine.Event{Kind: engine.EventLinkDegraded, Source: "serial", LinkOK: ok})
		}),
	)
}

// watchStatus feeds the controller's status lines to report until the
// port fails or ctx ends.
func (rt *runtime) watchStatus(port io.Reader, report func(protocol.State)) {
	reader := link.NewStatusReader(port, report, link.WithReaderLogger(rt.log))
	go func() {
		if err := reader.Run(rt.ctx); err != nil && rt.ctx.Err() == nil {
			rt.log.Errorf("status reader stopped: %v", err)
		}
	}()
}
