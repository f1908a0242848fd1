// Package connectivity checks that DNS resolves through a proxy tunnel and,
// when it does not, reports which operation on which hop failed.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"
)

const (
	DefaultResolver = "8.8.8.8"
	DefaultDomain   = "www.google.com"
)

type Report struct {
	Resolver   string       `json:"resolver"`
	Proto      string       `json:"proto"`
	Time       time.Time    `json:"time"`
	DurationMs int64        `json:"duration_ms"`
	Error      *ErrorRecord `json:"error"`
	// Dials are the connections made to the proxy itself.
	Dials []DialReport `json:"dials,omitempty"`
}

type ErrorRecord struct {
	Op         string `json:"op,omitempty"`
	PosixError string `json:"posix_error,omitempty"`
	Msg        string `json:"msg,omitempty"`
	MsgVerbose string `json:"msg_verbose,omitempty"`
}

type DialReport struct {
	Hostname   string    `json:"hostname"`
	IP         string    `json:"ip"`
	Port       string    `json:"port"`
	Network    string    `json:"network"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
	DurationMs int64     `json:"duration_ms"`
}

func (r Report) OK() bool {
	return r.Error == nil
}

// Summary is a one-line description suitable for a health message.
func (r Report) Summary() string {
	if r.Error == nil {
		return fmt.Sprintf("tunnel ok via %s in %dms", r.Proto, r.DurationMs)
	}
	if r.Error.PosixError != "" {
		return fmt.Sprintf("%s failed (%s): %s", r.Error.Op, r.Error.PosixError, r.Error.Msg)
	}
	return fmt.Sprintf("%s failed: %s", r.Error.Op, r.Error.Msg)
}

func makeErrorRecord(result *connectivity.ConnectivityError) *ErrorRecord {
	if result == nil {
		return nil
	}
	return &ErrorRecord{
		Op:         result.Op,
		PosixError: result.PosixError,
		Msg:        findBaseError(result.Err).Error(),
		MsgVerbose: result.Err.Error(),
	}
}

// findBaseError unwraps an error chain, following the last element of
// joined errors, down to the innermost error.
func findBaseError(err error) error {
	for err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			if errs := joined.Unwrap(); len(errs) > 0 {
				err = errs[len(errs)-1]
				continue
			}
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

type dialTracer struct {
	mu    sync.Mutex
	dials []DialReport
}

func (t *dialTracer) trace(ctx context.Context, hostname string) context.Context {
	var start time.Time
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		ConnectStart: func(network, addr string) {
			start = time.Now()
		},
		ConnectDone: func(network, addr string, connErr error) {
			ip, port, err := net.SplitHostPort(addr)
			if err != nil {
				return
			}
			r := DialReport{
				Hostname:   hostname,
				IP:         ip,
				Port:       port,
				Network:    network,
				Time:       start.UTC().Truncate(time.Second),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if connErr != nil {
				r.Error = connErr.Error()
			}
			t.mu.Lock()
			t.dials = append(t.dials, r)
			t.mu.Unlock()
		},
	})
}

func (t *dialTracer) streamDialer() transport.StreamDialer {
	base := &transport.TCPDialer{}
	return transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		hostname, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return base.DialStream(t.trace(ctx, hostname), addr)
	})
}

func (t *dialTracer) packetDialer() transport.PacketDialer {
	base := &transport.UDPDialer{}
	return transport.FuncPacketDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		hostname, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return base.DialPacket(t.trace(ctx, hostname), addr)
	})
}

// Probe resolves domain through the tunnel described by transportConfig.
// proto selects DNS over "tcp" or "udp". An error is returned only when the
// probe could not run; a failed tunnel is reported in Report.Error.
func Probe(ctx context.Context, transportConfig, proto, resolver, domain string) (Report, error) {
	if resolver == "" {
		resolver = DefaultResolver
	}
	if domain == "" {
		domain = DefaultDomain
	}
	resolverAddress := net.JoinHostPort(resolver, "53")

	tracer := &dialTracer{}
	configToDialer := configurl.NewDefaultConfigToDialer()
	configToDialer.BaseStreamDialer = tracer.streamDialer()
	configToDialer.BasePacketDialer = tracer.packetDialer()

	var resolverImpl dns.Resolver
	switch proto {
	case "tcp":
		sd, err := configToDialer.NewStreamDialer(transportConfig)
		if err != nil {
			return Report{}, fmt.Errorf("stream dialer: %w", err)
		}
		resolverImpl = dns.NewTCPResolver(sd, resolverAddress)
	case "udp":
		pd, err := configToDialer.NewPacketDialer(transportConfig)
		if err != nil {
			return Report{}, fmt.Errorf("packet dialer: %w", err)
		}
		resolverImpl = dns.NewUDPResolver(pd, resolverAddress)
	default:
		return Report{}, fmt.Errorf("invalid protocol %q", proto)
	}

	start := time.Now()
	result, err := connectivity.TestConnectivityWithResolver(ctx, resolverImpl, domain)
	if err != nil {
		return Report{}, err
	}

	tracer.mu.Lock()
	dials := append([]DialReport(nil), tracer.dials...)
	tracer.mu.Unlock()
	return Report{
		Resolver:   resolverAddress,
		Proto:      proto,
		Time:       start.UTC().Truncate(time.Second),
		DurationMs: time.Since(start).Milliseconds(),
		Error:      makeErrorRecord(result),
		Dials:      dials,
	}, nil
}
