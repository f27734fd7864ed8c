package config

import (
	"fmt"
	"net"
	"strconv"
)

// applyEnv layers the deployment environment variables over the file
// values. Host and port variables patch one half of a host:port address.
func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var err error
	num := func(key string, parse func(string) error) {
		if err != nil {
			return
		}
		if v, ok := lookup(key); ok && v != "" {
			if perr := parse(v); perr != nil {
				err = fmt.Errorf("env %s: %w", key, perr)
			}
		}
	}

	str("FEATHER_PORT", &cfg.Link.Port)
	num("SERIAL_BAUD", func(v string) error {
		n, perr := strconv.Atoi(v)
		cfg.Link.Baud = n
		return perr
	})
	str("SERIAL_TIMEOUT", &cfg.Link.ReadTimeout)
	str("WATCHDOG_TIMEOUT", &cfg.Watchdog.Timeout)
	num("MAX_LINEAR_VEL", func(v string) error {
		f, perr := strconv.ParseFloat(v, 64)
		cfg.Web.MaxLinear = f
		return perr
	})
	num("MAX_ANGULAR_VEL", func(v string) error {
		f, perr := strconv.ParseFloat(v, 64)
		cfg.Web.MaxAngular = f
		return perr
	})
	str("HEARTBEAT_INTERVAL", &cfg.Sender.HeartbeatInterval)
	str("KEY_REPEAT_INTERVAL", &cfg.Sender.KeyRepeatInterval)
	str("TCP_RECONNECT_DELAY", &cfg.Sender.ReconnectDelay)
	if err != nil {
		return err
	}

	if v, ok := lookup("TCP_HOST"); ok && v != "" {
		cfg.Receiver.Addr = withHost(cfg.Receiver.Addr, v)
	}
	if v, ok := lookup("TCP_PORT"); ok && v != "" {
		if _, perr := strconv.ParseUint(v, 10, 16); perr != nil {
			return fmt.Errorf("env TCP_PORT: %w", perr)
		}
		cfg.Receiver.Addr = withPort(cfg.Receiver.Addr, v)
		cfg.Sender.RobotAddr = withPort(cfg.Sender.RobotAddr, v)
	}
	if v, ok := lookup("ROBOT_HOST"); ok && v != "" {
		cfg.Sender.RobotAddr = withHost(cfg.Sender.RobotAddr, v)
	}
	if v, ok := lookup("WEB_WS_PORT"); ok && v != "" {
		if _, perr := strconv.ParseUint(v, 10, 16); perr != nil {
			return fmt.Errorf("env WEB_WS_PORT: %w", perr)
		}
		cfg.Web.Addr = withPort(cfg.Web.Addr, v)
	}
	return nil
}

func withHost(addr, host string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(host, addr)
	}
	return net.JoinHostPort(host, port)
}

func withPort(addr, port string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.JoinHostPort(host, port)
}
