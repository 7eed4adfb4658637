package intercept

import (
	"context"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cylestio/monitor/internal/events"
	"github.com/cylestio/monitor/internal/patterns"
)

// Exclusions is the set of host:port destinations the socket and HTTP
// wrappers skip, seeded from the telemetry endpoint so the monitor
// never observes its own traffic.
type Exclusions struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
}

// NewExclusions seeds the set from env var, then the configured
// endpoint, then the default collector address, each expanded with
// ports 80 and 443.
func NewExclusions(configured string) *Exclusions {
	e := &Exclusions{hosts: map[string]struct{}{}}

	endpoint := os.Getenv("CYLESTIO_API_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("CYLESTIO_TELEMETRY_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = configured
	}
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8000"
	}
	e.AddEndpoint(endpoint)
	return e
}

// AddEndpoint parses a URL or host:port and adds it, plus the same host
// on ports 80 and 443.
func (e *Exclusions) AddEndpoint(endpoint string) {
	host, port := splitEndpoint(endpoint)
	if host == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if port != "" {
		e.hosts[net.JoinHostPort(host, port)] = struct{}{}
	}
	e.hosts[net.JoinHostPort(host, "80")] = struct{}{}
	e.hosts[net.JoinHostPort(host, "443")] = struct{}{}
}

// Excluded reports whether addr (host:port) is in the set.
func (e *Exclusions) Excluded(addr string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.hosts[addr]
	return ok
}

func splitEndpoint(endpoint string) (host, port string) {
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", ""
		}
		host = u.Hostname()
		port = u.Port()
		if port == "" {
			switch u.Scheme {
			case "https":
				port = "443"
			default:
				port = "80"
			}
		}
		return host, port
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, ""
	}
	return host, port
}

// Port categories for outbound connections.
const (
	CategoryPotentialC2           = "potential_c2"
	CategoryPotentialExfiltration = "potential_exfiltration"
	CategoryDirectIP              = "direct_ip"
	CategoryOutbound              = "outbound_connection"
)

var c2Ports = map[int]bool{
	4444: true, 4445: true, 1337: true,
	6667: true, 6668: true, 6669: true,
	31337: true,
}

var exfilPorts = map[int]bool{
	21: true, 22: true, 2222: true, 23: true,
}

var benignPorts = map[int]bool{
	80: true, 443: true, 8080: true, 8443: true,
}

// ClassifyConn categorizes a destination and assigns a severity.
func ClassifyConn(host string, port int) (category, severity string) {
	switch {
	case c2Ports[port]:
		category = CategoryPotentialC2
	case exfilPorts[port]:
		category = CategoryPotentialExfiltration
	case net.ParseIP(host) != nil && net.ParseIP(host).To4() != nil:
		category = CategoryDirectIP
	default:
		category = CategoryOutbound
	}

	// Suspicious ports outrank the destination: a reverse shell to
	// localhost is still a reverse shell.
	localhost := host == "127.0.0.1" || host == "localhost" || host == "::1"
	switch {
	case category == CategoryPotentialC2:
		severity = "critical"
	case category == CategoryPotentialExfiltration:
		severity = "high"
	case localhost || benignPorts[port]:
		severity = "low"
	case category == CategoryDirectIP:
		severity = "medium"
	default:
		severity = "low"
	}
	return category, severity
}

// Dialer wraps net.Dialer so every outbound connection is classified
// and every payload is scanned for shell traffic.
type Dialer struct {
	inner *net.Dialer
	i     *Interceptor
}

// NewDialer wraps inner; a nil inner gets a zero net.Dialer.
func (i *Interceptor) NewDialer(inner *net.Dialer) *Dialer {
	if inner == nil {
		inner = &net.Dialer{}
	}
	return &Dialer{inner: inner, i: i}
}

// DialContext dials through the wrapped dialer, emitting net.conn_open
// and, for high or critical destinations, a security.alert. Excluded
// destinations pass through silently.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.inner.DialContext(ctx, network, address)
	if err != nil || !d.i.enabled.Load() || d.i.exclusions.Excluded(address) {
		return conn, err
	}

	host, portStr, splitErr := net.SplitHostPort(address)
	port := 0
	if splitErr == nil {
		port, _ = strconv.Atoi(portStr)
	} else {
		host = address
	}
	category, severity := ClassifyConn(host, port)

	attrs := map[string]any{
		"net.transport": network,
		"net.peer.host": host,
		"net.peer.port": port,
		"net.category":  category,
		"net.severity":  severity,
	}
	d.i.guard(func() {
		d.i.builder.LogEvent(ctx, "net.conn_open", attrs,
			events.WithChannel(events.ChannelNet),
			events.WithDirection(events.DirectionOutgoing))
	})
	if severity == "high" || severity == "critical" {
		d.i.securityAlert(ctx, category, severity,
			"outbound connection to "+address, map[string]any{
				"net.peer.host": host,
				"net.peer.port": port,
			})
	}

	return &monitoredConn{Conn: conn, i: d.i, ctx: ctx, peer: address}, nil
}

// Dial is DialContext with a background context.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// monitoredConn scans both directions of the stream for shell traffic.
type monitoredConn struct {
	net.Conn
	i    *Interceptor
	ctx  context.Context
	peer string
}

func (c *monitoredConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.scanPayload(b[:n], "recv")
	}
	return n, err
}

func (c *monitoredConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.scanPayload(b[:n], "send")
	}
	return n, err
}

func (c *monitoredConn) scanPayload(payload []byte, direction string) {
	if !c.i.enabled.Load() {
		return
	}
	hits := c.i.registry.MatchFamily(patterns.FamilyShellAccessNetwork, string(payload))
	if len(hits) == 0 {
		return
	}
	c.i.securityAlert(c.ctx, "remote_code_execution", "critical",
		"shell traffic on network connection", map[string]any{
			"net.peer":         c.peer,
			"net.direction":    direction,
			"security.matches": hits,
		})
}
