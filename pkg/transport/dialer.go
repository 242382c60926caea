package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/relaywire/h2transport/pkg/addr"
	"github.com/relaywire/h2transport/pkg/errors"
	"github.com/relaywire/h2transport/pkg/timing"
	"github.com/relaywire/h2transport/pkg/tlsconfig"
)

// Dialer establishes the byte transport for an origin: plain TCP, or TCP
// plus a TLS handshake advertising ALPN = [http/1.1, h2] per section 6.
// Grounded on the teacher's connectTCP/upgradeTLS pair.
type Dialer struct {
	Resolver        *net.Resolver
	KeepAlive       bool
	KeepAlivePeriod time.Duration

	// TLSProfile bounds the TLS version/cipher suites applied to a dial
	// whose cfg does not already set MinVersion, mirroring the teacher's
	// tlsconfig.ApplyVersionProfile/ApplyCipherSuites helpers.
	TLSProfile tlsconfig.VersionProfile
}

// NewDialer returns a Dialer with TCP keep-alive enabled and the Secure TLS
// profile (TLS 1.2+), matching the teacher's DefaultPoolConfig.
func NewDialer() *Dialer {
	return &Dialer{
		Resolver:        net.DefaultResolver,
		KeepAlive:       true,
		KeepAlivePeriod: 30 * time.Second,
		TLSProfile:      tlsconfig.ProfileSecure,
	}
}

// DialContext opens a TCP connection to origin.Addr().
func (d *Dialer) DialContext(ctx context.Context, origin addr.Origin, timer *timing.Timer) (Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	nd := &net.Dialer{Resolver: d.Resolver}
	nc, err := nd.DialContext(ctx, "tcp", origin.Addr())
	if err != nil {
		return nil, errors.NewConnectionError(origin.Host, origin.Port, err)
	}

	if d.KeepAlive {
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(d.KeepAlivePeriod)
		}
	}

	return Wrap(nc), nil
}

// DialTLS opens a TCP connection and immediately upgrades it to TLS for
// origin.Host, advertising http/1.1 and h2 via ALPN (in that order, per
// section 6) so the caller can branch on the negotiated protocol.
func (d *Dialer) DialTLS(ctx context.Context, origin addr.Origin, cfg *tls.Config, timer *timing.Timer) (Conn, string, error) {
	nc, err := d.DialContext(ctx, origin, timer)
	if err != nil {
		return nil, "", err
	}

	timer.StartTLS()
	defer timer.EndTLS()

	tlsCfg := &tls.Config{}
	if cfg != nil {
		tlsCfg = cfg.Clone()
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{"http/1.1", "h2"}
	}
	if tlsCfg.MinVersion == 0 {
		tlsconfig.ApplyVersionProfile(tlsCfg, d.TLSProfile)
		tlsconfig.ApplyCipherSuites(tlsCfg, tlsCfg.MinVersion)
	}

	tc, err := nc.StartTLS(ctx, origin.Host, tlsCfg)
	if err != nil {
		nc.Close()
		return nil, "", errors.NewTLSError(origin.Host, origin.Port, fmt.Errorf("%s handshake: %w", tlsconfig.GetVersionName(tlsCfg.MinVersion), err))
	}

	negotiated, _ := negotiatedProtocol(tc)
	if negotiated == "" {
		negotiated = "http/1.1"
	}
	return tc, negotiated, nil
}
