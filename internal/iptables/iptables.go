// Package iptables implements C7: translation of the two WSL-guest
// "iptables" requests -- NAT masquerade and firewall port-open -- into
// host NAT table entries and Windows Firewall rules, riding the C6 pump
// for its request/response transport. Host-side mutation uses WMI (NAT)
// and COM (Windows Firewall), the same stack the teacher's internal/wclayer
// and internal/hns packages reach for when they need to drive Windows
// networking primitives from Go.
package iptables

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// namePrefix tags every host-side object this package creates so a
// startup cleanup scan can find and remove stale entries left behind by
// an abnormal process exit (spec.md §4.4).
const namePrefix = "WSL_"

// allowedMasqueradePrefix is the only CIDR range masquerade requests may
// target; anything else is rejected with ErrInvalidMasqueradeRequest
// (spec.md §4.4: "only IPv4, port 0, and only CIDRs under 172.17.0.0/16").
var allowedMasqueradePrefix = mustParseCIDR("172.17.0.0/16")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ErrInvalidMasqueradeRequest is returned for any masquerade request
// outside the allowed IPv4 /16 range, or specifying a non-IPv4 address or
// nonzero port.
var ErrInvalidMasqueradeRequest = errors.New("iptables: invalid masquerade request")

// MasqueradeRequest is the {input-prefix, enable} request C6 hands to
// ApplyMasquerade.
type MasqueradeRequest struct {
	Prefix *net.IPNet
	Port   uint16
	Enable bool
}

// FirewallPortRequest is the {input-prefix (address+port), enable}
// request C6 hands to ApplyFirewallPort.
type FirewallPortRequest struct {
	Addr   net.IP
	Port   uint16
	Enable bool
}

// NatClient is the WMI-backed collaborator that creates/removes host NAT
// instances. Production code implements this over
// github.com/StackExchange/wmi against the root\StandardCimv2 namespace;
// tests use an in-memory fake.
type NatClient interface {
	CreateNAT(name, cidr string) error
	RemoveNAT(name string) error
	ListNATNames() ([]string, error)
}

// FirewallClient is the COM-backed (via github.com/go-ole/go-ole)
// collaborator that adds/removes Windows Firewall rules.
type FirewallClient interface {
	AddRule(name string, localAddr *net.IPNet, localPort uint16) error
	RemoveRule(name string) error
	ListRuleNames() ([]string, error)
}

// Emulator holds the in-process state backing C7: which masquerade
// prefixes and firewall ports are currently open, so a disable request
// can be matched back to the name it was created under.
type Emulator struct {
	nat       NatClient
	firewall  FirewallClient
	masq      map[string]string // cidr string -> host object name
	firewalls map[string]string // "addr:port" -> host object name
	seq       uint64
}

// New returns an Emulator backed by the given host-side clients.
func New(nat NatClient, firewall FirewallClient) *Emulator {
	return &Emulator{
		nat:       nat,
		firewall:  firewall,
		masq:      make(map[string]string),
		firewalls: make(map[string]string),
	}
}

// ApplyMasquerade enables or disables NAT masquerading for req.Prefix.
func (e *Emulator) ApplyMasquerade(req MasqueradeRequest) error {
	if req.Prefix == nil || req.Prefix.IP.To4() == nil || req.Port != 0 || !allowedMasqueradePrefix.Contains(req.Prefix.IP) {
		return ErrInvalidMasqueradeRequest
	}
	key := req.Prefix.String()

	if req.Enable {
		if _, ok := e.masq[key]; ok {
			return nil
		}
		name := e.nextName()
		if err := e.nat.CreateNAT(name, key); err != nil {
			return fmt.Errorf("iptables: create NAT: %w", err)
		}
		e.masq[key] = name
		return nil
	}

	name, ok := e.masq[key]
	if !ok {
		return nil
	}
	if err := e.nat.RemoveNAT(name); err != nil {
		return fmt.Errorf("iptables: remove NAT: %w", err)
	}
	delete(e.masq, key)
	return nil
}

// ApplyFirewallPort enables or disables an inbound TCP allow rule for
// req.Addr:req.Port.
func (e *Emulator) ApplyFirewallPort(req FirewallPortRequest) error {
	key := fmt.Sprintf("%s:%d", req.Addr, req.Port)

	if req.Enable {
		if _, ok := e.firewalls[key]; ok {
			return nil
		}
		name := e.nextName()
		ipNet := &net.IPNet{IP: req.Addr, Mask: net.CIDRMask(32, 32)}
		if err := e.firewall.AddRule(name, ipNet, req.Port); err != nil {
			return fmt.Errorf("iptables: add firewall rule: %w", err)
		}
		e.firewalls[key] = name
		return nil
	}

	name, ok := e.firewalls[key]
	if !ok {
		return nil
	}
	if err := e.firewall.RemoveRule(name); err != nil {
		return fmt.Errorf("iptables: remove firewall rule: %w", err)
	}
	delete(e.firewalls, key)
	return nil
}

// nextName mints a WSL-prefixed, process-unique host object name.
func (e *Emulator) nextName() string {
	e.seq++
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], e.seq)
	return fmt.Sprintf("%s%x", namePrefix, b)
}

// CleanupStale removes every NAT instance and firewall rule carrying the
// WSL name prefix. It is run once at startup to reclaim entries left
// behind by a process that exited abnormally without disabling them
// (spec.md §4.4).
func (e *Emulator) CleanupStale() error {
	names, err := e.nat.ListNATNames()
	if err != nil {
		return fmt.Errorf("iptables: list NATs: %w", err)
	}
	for _, name := range names {
		if hasWSLPrefix(name) {
			if err := e.nat.RemoveNAT(name); err != nil {
				return fmt.Errorf("iptables: cleanup NAT %s: %w", name, err)
			}
		}
	}

	ruleNames, err := e.firewall.ListRuleNames()
	if err != nil {
		return fmt.Errorf("iptables: list firewall rules: %w", err)
	}
	for _, name := range ruleNames {
		if hasWSLPrefix(name) {
			if err := e.firewall.RemoveRule(name); err != nil {
				return fmt.Errorf("iptables: cleanup firewall rule %s: %w", name, err)
			}
		}
	}
	return nil
}

func hasWSLPrefix(name string) bool {
	return len(name) >= len(namePrefix) && name[:len(namePrefix)] == namePrefix
}
