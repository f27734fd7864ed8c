package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"rcdrive/pkg/auth"
	"rcdrive/pkg/bridge/ws"
	"rcdrive/pkg/config"
	"rcdrive/pkg/controller"
	"rcdrive/pkg/engine"
	"rcdrive/pkg/link"
	"rcdrive/pkg/motion"
	"rcdrive/pkg/operator"
	"rcdrive/pkg/protocol"
	"rcdrive/pkg/transport"
)

func runReceiver(rt *runtime, sim bool) error {
	port, err := rt.openLink(sim)
	if err != nil {
		return err
	}
	defer port.Close()

	srv := transport.NewStreamServer(rt.cfg.Receiver.Addr, rt.newWriter(port),
		transport.WithWatchdogTimeout(rt.cfg.Watchdog.TimeoutDuration()),
		transport.WithHeartbeat(rt.cfg.Receiver.HeartbeatByte()),
		transport.WithLimits(motion.Unit),
		transport.WithHub(rt.hub),
		transport.WithLogger(rt.log),
		transport.WithOwner(rt.owner),
	)
	if err := srv.Listen(); err != nil {
		return err
	}
	rt.watchStatus(port, srv.ReportState)
	return srv.Serve(rt.ctx)
}

func runWeb(rt *runtime, sim bool) error {
	port, err := rt.openLink(sim)
	if err != nil {
		return err
	}
	defer port.Close()

	opts := []ws.Option{
		ws.WithHub(rt.hub),
		ws.WithLogger(rt.log),
		ws.WithOwner(rt.owner),
	}
	if rt.cfg.Web.AuthSecret != "" {
		verifier, err := auth.NewVerifier(rt.cfg.Web.AuthSecret)
		if err != nil {
			return err
		}
		opts = append(opts, ws.WithVerifier(verifier))
	}
	srv := ws.NewServer(ws.Config{
		Addr:            rt.cfg.Web.Addr,
		Path:            rt.cfg.Web.Path,
		Limits:          motion.Limits{Linear: rt.cfg.Web.MaxLinear, Angular: rt.cfg.Web.MaxAngular},
		WatchdogTimeout: rt.cfg.Watchdog.TimeoutDuration(),
		StatusInterval:  rt.cfg.Web.StatusIntervalDuration(),
		SendBuf:         rt.cfg.Web.SendBuf,
		PingInterval:    rt.cfg.Web.PingDuration(),
		PongTimeout:     rt.cfg.Web.PongDuration(),
	}, rt.newWriter(port), opts...)
	rt.watchStatus(port, srv.ReportState)
	return srv.Run(rt.ctx)
}

func runController(rt *runtime, stdout io.Writer) error {
	port, err := openControllerPort(rt.cfg)
	if err != nil {
		return err
	}
	defer port.Close()
	rt.log.Infof("controller listening on %s @ %d baud", rt.cfg.Controller.Port, rt.cfg.Controller.Baud)

	out := stdout
	if rt.cfg.Controller.FrameOut != "" {
		file, err := os.OpenFile(rt.cfg.Controller.FrameOut, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open frame output: %w", err)
		}
		defer file.Close()
		out = file
	}

	ctl := newController(rt, func(s protocol.State) {
		rt.hub.Publish(stateEvent("controller", s))
	})
	err = ctl.Run(rt.ctx, port, controller.NewWriterSink(out))
	if rt.ctx.Err() != nil {
		return nil
	}
	return err
}

func newController(rt *runtime, onState func(protocol.State)) *controller.Controller {
	return controller.New(
		controller.WithPeriod(rt.cfg.Controller.PeriodDuration()),
		controller.WithDecoder(protocol.NewDecoder(
			protocol.WithStep(rt.cfg.Controller.Step),
			protocol.WithHeartbeat(rt.cfg.Receiver.HeartbeatByte()),
		)),
		controller.WithLinkTimeout(rt.cfg.Controller.LinkTimeoutDuration()),
		controller.WithLogger(rt.log),
		controller.WithStateHandler(onState),
	)
}

func runSender(rt *runtime) error {
	addr := rt.cfg.Sender.RobotAddr
	dialer := transport.NewDialer(addr,
		transport.WithReconnectInterval(rt.cfg.Sender.ReconnectDuration()),
		transport.WithReconnectMax(rt.cfg.Sender.ReconnectMaxDuration()),
		transport.WithWriteTimeout(rt.cfg.Sender.WriteTimeoutDuration()),
		transport.WithErrorHandler(func(err error) {
			rt.log.Debugf("robot link: %v", err)
		}),
		transport.WithStateHandler(func(connected bool) {
			if connected {
				rt.log.Infof("connected to %s", addr)
			} else {
				rt.log.Warnf("disconnected from %s", addr)
			}
		}),
	)
	go dialer.Run(rt.ctx)

	sender := rt.newSender(dialer, rt.cfg.Sender.HeartbeatDuration())
	return drive(rt, sender, func() string {
		if dialer.Connected() {
			return "connected " + addr
		}
		return "connecting " + addr
	})
}

func runLocal(rt *runtime, sim bool) error {
	port, err := rt.openLink(sim)
	if err != nil {
		return err
	}
	defer port.Close()
	if err := rt.owner.Acquire("local"); err != nil {
		return err
	}
	defer rt.owner.Release("local")

	w := rt.newWriter(port)
	var state atomic.Value
	state.Store(protocol.StateReady)
	rt.watchStatus(port, func(s protocol.State) {
		state.Store(s)
		rt.hub.Publish(stateEvent("local", s))
	})

	// the controller has no heartbeat: 'H' is not a command byte
	sender := rt.newSender(w, 0)
	return drive(rt, sender, func() string {
		health := "ok"
		if !w.Healthy() {
			health = "DEGRADED"
		}
		return fmt.Sprintf("%s, link %s", state.Load().(protocol.State), health)
	})
}

func (rt *runtime) newSender(out operator.Output, heartbeat time.Duration) *operator.Sender {
	return operator.NewSender(out,
		operator.WithHeartbeat(heartbeat),
		operator.WithHeartbeatKey(rt.cfg.Receiver.HeartbeatByte()),
		operator.WithRepeatInterval(rt.cfg.Sender.RepeatDuration()),
		operator.WithReleaseAfter(rt.cfg.Sender.ReleaseDuration()),
		operator.WithLogger(rt.log),
	)
}

// drive runs the keyboard until the operator quits, then lets the sender
// flush its final stop.
func drive(rt *runtime, sender *operator.Sender, status func() string) error {
	ctx, cancel := context.WithCancel(rt.ctx)
	done := make(chan struct{})
	go func() {
		sender.Run(ctx)
		close(done)
	}()

	err := operator.RunKeyboard(ctx, sender, status)
	cancel()
	<-done
	return err
}

func mintToken(w io.Writer, cfg config.Config, subject string, ttl time.Duration) error {
	if cfg.Web.AuthSecret == "" {
		return errors.New("web.auth_secret is not configured")
	}
	token, err := auth.Mint(cfg.Web.AuthSecret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, token)
	return nil
}

func stateEvent(source string, s protocol.State) engine.Event {
	return engine.Event{Kind: engine.EventStateReport, Source: source, State: s, Detail: "S:" + s.String()}
}

func openControllerPort(cfg config.Config) (io.ReadWriteCloser, error) {
	return link.OpenSerial(link.SerialConfig{
		Name:        cfg.Controller.Port,
		Baud:        cfg.Controller.Baud,
		ReadTimeout: cfg.Controller.PeriodDuration(),
	})
}
