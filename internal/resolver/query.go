package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Exchanger sends one DNS message to one server. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// HostLookup is the system resolver surface. *net.Resolver satisfies it.
type HostLookup interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var (
	// ErrNoRecord marks NXDOMAIN or a successful reply with no usable answer.
	ErrNoRecord = errors.New("dns: no such record")
	// errServerFailure marks SERVFAIL, REFUSED and other non-success codes.
	errServerFailure = errors.New("dns: server failure")
)

// queryServer performs a single question against one server and decodes the
// matching answers.
func queryServer(
	ctx context.Context,
	ex Exchanger,
	server, host string,
	qtype uint16,
) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	reply, _, err := ex.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("exchange with %s: %w", server, err)
	}
	if reply == nil {
		return nil, fmt.Errorf("exchange with %s: empty reply", server)
	}
	switch reply.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, ErrNoRecord
	default:
		return nil, fmt.Errorf("%w: %s from %s", errServerFailure, dns.RcodeToString[reply.Rcode], server)
	}

	var addrs []string
	for _, answer := range reply.Answer {
		switch rr := answer.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				addrs = append(addrs, rr.A.String())
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				addrs = append(addrs, rr.AAAA.String())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, ErrNoRecord
	}
	return addrs, nil
}

// withPort appends the DNS port when a server is given as a bare address.
func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}
