package main

import (
	"io"
	"net"

	"rcdrive/pkg/controller"
	"rcdrive/pkg/protocol"
)

// startSim runs a controller on the far end of an in-memory link. Its
// vehicle follows every frame, so the interlock always agrees with the
// controller.
func startSim(rt *runtime) io.ReadWriteCloser {
	host, device := net.Pipe()
	ctl := newController(rt, nil)
	sink := simVehicle(ctl, rt)

	go func() {
		defer device.Close()
		if err := ctl.Run(rt.ctx, device, sink); err != nil && rt.ctx.Err() == nil {
			rt.log.Warnf("simulated controller stopped: %v", err)
		}
	}()
	return host
}

func simVehicle(ctl *controller.Controller, rt *runtime) controller.FuncSink {
	var last controller.Frame
	return func(f controller.Frame) error {
		ctl.ReportVehicle(f.State == protocol.StateActive)
		if f != last {
			rt.log.Debugf("sim frame %s", f)
			last = f
		}
		return nil
	}
}
