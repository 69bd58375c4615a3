// Package agent implements the C6 agent coordinator: the startup sequence
// that resolves an advertise address, looks up the node, binds the HTTP
// surface, and starts the heartbeater, plus graceful shutdown.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rackerlabs/ironic-python-agent/internal/agentmetrics"
	"github.com/rackerlabs/ironic-python-agent/internal/apiclient"
	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rackerlabs/ironic-python-agent/internal/cleaning"
	"github.com/rackerlabs/ironic-python-agent/internal/commandregistry"
	"github.com/rackerlabs/ironic-python-agent/internal/config"
	"github.com/rackerlabs/ironic-python-agent/internal/hardware"
	"github.com/rackerlabs/ironic-python-agent/internal/heartbeat"
	"github.com/rackerlabs/ironic-python-agent/internal/httpapi"
	"github.com/rs/zerolog"
)

// Coordinator owns the command registry, the heartbeater, and the HTTP
// listener (spec.md §4's ownership note for C6).
type Coordinator struct {
	cfg       *config.AgentConfig
	hwReg     *hardware.Registry
	cmdReg    *commandregistry.Registry
	apiClient *apiclient.Client
	log       zerolog.Logger

	// cleaningProtocol is optional; when set, its metrics are wired up
	// alongside cmdReg's once the lookup response enables them.
	cleaningProtocol *cleaning.Protocol

	node             hardware.Node
	heartbeatTimeout float64
	nodeCfg          map[string]interface{}
	metrics          *agentmetrics.Metrics

	heartbeater *heartbeat.Heartbeater
	httpServer  *http.Server
}

// New builds a coordinator. The API client may be nil in standalone mode.
// cleaningProtocol may be nil if metrics don't need wiring into it.
func New(cfg *config.AgentConfig, hwReg *hardware.Registry, cmdReg *commandregistry.Registry, apiClient *apiclient.Client, cleaningProtocol *cleaning.Protocol, log zerolog.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, hwReg: hwReg, cmdReg: cmdReg, apiClient: apiClient, cleaningProtocol: cleaningProtocol, log: log}
}

// Run executes the full C6 startup sequence and blocks serving HTTP until
// a terminating signal arrives, then shuts down gracefully.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.cfg.Standalone {
		if err := c.resolveAdvertiseAddress(); err != nil {
			return err
		}
		if err := c.lookupNode(ctx); err != nil {
			return err
		}
	}

	version := "1.0"
	metricsEnabled := !c.cfg.Standalone && agentmetrics.Enabled(c.nodeConfig())
	if metricsEnabled {
		c.metrics = agentmetrics.New(prometheusDefaultRegisterer())
		c.cmdReg.SetMetrics(c.metrics)
		if c.cleaningProtocol != nil {
			c.cleaningProtocol.SetMetrics(c.metrics)
		}
	}

	server := httpapi.New(c.cmdReg, version, metricsEnabled, c.log)
	addr := fmt.Sprintf("%s:%d", c.cfg.ListenHost, c.cfg.ListenPort)
	c.httpServer = &http.Server{Addr: addr, Handler: server}

	serveErrCh := make(chan error, 1)
	go func() {
		c.log.Info().Str("addr", addr).Msg("binding HTTP surface")
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	if !c.cfg.Standalone {
		agentURL := fmt.Sprintf("http://%s:%d", c.cfg.AdvertiseHost, c.cfg.AdvertisePort)
		c.heartbeater = heartbeat.New(func(ctx context.Context) error {
			nodeUUID, ok := c.node.UUID()
			if !ok {
				return apierrors.ErrUnknownNode
			}
			before, err := c.apiClient.Heartbeat(ctx, nodeUUID, agentURL)
			if err != nil {
				c.metrics.RecordHeartbeat("failure")
				return err
			}
			c.metrics.RecordHeartbeat("success")
			_ = before
			return nil
		}, c.heartbeatTimeout, c.log)
		c.heartbeater.Start(ctx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		c.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serveErrCh:
		c.log.Error().Err(err).Msg("HTTP server failed")
	}

	return c.shutdown()
}

func (c *Coordinator) shutdown() error {
	if c.heartbeater != nil {
		c.heartbeater.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	c.log.Info().Msg("agent stopped")
	return nil
}

// resolveAdvertiseAddress implements spec.md §4.6 step 2: if the advertise
// host is already configured, skip resolution entirely. Otherwise walk
// candidate interfaces (the configured one, or every non-loopback
// interface) up to ip_lookup_attempts rounds, sleeping ip_lookup_sleep
// between rounds, until one yields an IPv4 address.
func (c *Coordinator) resolveAdvertiseAddress() error {
	if c.cfg.AdvertiseHost != "" {
		return nil
	}

	generic := genericManagerFrom(c.hwReg)
	if generic == nil {
		return apierrors.LookupAgentInterfaceError("no generic hardware manager available to enumerate interfaces")
	}

	var candidates []string
	if c.cfg.NetworkInterface != "" {
		candidates = []string{c.cfg.NetworkInterface}
	} else {
		names, err := generic.ListInterfaceNames()
		if err != nil {
			return apierrors.LookupAgentInterfaceError(err.Error())
		}
		for _, name := range names {
			if strings.Contains(name, "lo") {
				continue
			}
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return apierrors.LookupAgentInterfaceError("no usable network interface found")
	}

	for attempt := 0; attempt < c.cfg.IPLookupAttempts; attempt++ {
		for _, name := range candidates {
			addr, err := generic.GetIPv4Addr(name)
			if err != nil {
				continue
			}
			if addr != "" {
				c.cfg.AdvertiseHost = addr
				c.cfg.NetworkInterface = name
				return nil
			}
		}
		if attempt < c.cfg.IPLookupAttempts-1 {
			time.Sleep(c.cfg.IPLookupSleep)
		}
	}
	return apierrors.LookupAgentIPError(fmt.Sprintf("no IPv4 address found after %d attempts", c.cfg.IPLookupAttempts))
}

func (c *Coordinator) lookupNode(ctx context.Context) error {
	inventory, err := hardware.ListHardwareInfo(c.hwReg)
	if err != nil {
		return err
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	result, err := c.apiClient.LookupNode(lookupCtx, c.cfg.DriverName, 2, inventory)
	if err != nil {
		return err
	}
	c.node = hardware.Node(result.Node)
	c.heartbeatTimeout = result.HeartbeatTimeout
	c.nodeCfg = result.Config
	return nil
}

// nodeConfig returns the config map the last lookup returned, or an empty
// map if no lookup has happened yet (standalone mode).
func (c *Coordinator) nodeConfig() map[string]interface{} {
	if c.nodeCfg == nil {
		return map[string]interface{}{}
	}
	return c.nodeCfg
}
