package iptables

import (
	"errors"
	"net"
	"testing"
)

type fakeNat struct {
	created map[string]string
	err     error
}

func newFakeNat() *fakeNat { return &fakeNat{created: make(map[string]string)} }

func (f *fakeNat) CreateNAT(name, cidr string) error {
	if f.err != nil {
		return f.err
	}
	f.created[name] = cidr
	return nil
}

func (f *fakeNat) RemoveNAT(name string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.created, name)
	return nil
}

func (f *fakeNat) ListNATNames() ([]string, error) {
	var names []string
	for n := range f.created {
		names = append(names, n)
	}
	return names, nil
}

type fakeFirewall struct {
	rules map[string]string
	err   error
}

func newFakeFirewall() *fakeFirewall { return &fakeFirewall{rules: make(map[string]string)} }

func (f *fakeFirewall) AddRule(name string, localAddr *net.IPNet, localPort uint16) error {
	if f.err != nil {
		return f.err
	}
	f.rules[name] = localAddr.String()
	return nil
}

func (f *fakeFirewall) RemoveRule(name string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.rules, name)
	return nil
}

func (f *fakeFirewall) ListRuleNames() ([]string, error) {
	var names []string
	for n := range f.rules {
		names = append(names, n)
	}
	return names, nil
}

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", s, err)
	}
	return n
}

func TestApplyMasqueradeEnableAndDisable(t *testing.T) {
	nat := newFakeNat()
	e := New(nat, newFakeFirewall())

	req := MasqueradeRequest{Prefix: mustCIDR(t, "172.17.5.0/24"), Enable: true}
	if err := e.ApplyMasquerade(req); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(nat.created) != 1 {
		t.Fatalf("expected one NAT created, got %d", len(nat.created))
	}

	req.Enable = false
	if err := e.ApplyMasquerade(req); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if len(nat.created) != 0 {
		t.Fatalf("expected NAT removed, still have %d", len(nat.created))
	}
}

func TestApplyMasqueradeRejectsOutOfRangeCIDR(t *testing.T) {
	e := New(newFakeNat(), newFakeFirewall())
	req := MasqueradeRequest{Prefix: mustCIDR(t, "10.0.0.0/24"), Enable: true}
	if err := e.ApplyMasquerade(req); !errors.Is(err, ErrInvalidMasqueradeRequest) {
		t.Fatalf("got %v, want ErrInvalidMasqueradeRequest", err)
	}
}

func TestApplyMasqueradeRejectsNonzeroPort(t *testing.T) {
	e := New(newFakeNat(), newFakeFirewall())
	req := MasqueradeRequest{Prefix: mustCIDR(t, "172.17.5.0/24"), Port: 53, Enable: true}
	if err := e.ApplyMasquerade(req); !errors.Is(err, ErrInvalidMasqueradeRequest) {
		t.Fatalf("got %v, want ErrInvalidMasqueradeRequest", err)
	}
}

func TestApplyMasqueradeDisableMissingIsNoop(t *testing.T) {
	e := New(newFakeNat(), newFakeFirewall())
	req := MasqueradeRequest{Prefix: mustCIDR(t, "172.17.9.0/24"), Enable: false}
	if err := e.ApplyMasquerade(req); err != nil {
		t.Fatalf("disabling a never-enabled prefix should be a no-op, got %v", err)
	}
}

func TestApplyFirewallPortEnableAndDisable(t *testing.T) {
	fw := newFakeFirewall()
	e := New(newFakeNat(), fw)

	req := FirewallPortRequest{Addr: net.ParseIP("192.168.1.5"), Port: 8080, Enable: true}
	if err := e.ApplyFirewallPort(req); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(fw.rules) != 1 {
		t.Fatalf("expected one rule, got %d", len(fw.rules))
	}

	req.Enable = false
	if err := e.ApplyFirewallPort(req); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if len(fw.rules) != 0 {
		t.Fatalf("expected rule removed, still have %d", len(fw.rules))
	}
}

func TestCleanupStaleRemovesOnlyWSLPrefixedEntries(t *testing.T) {
	nat := newFakeNat()
	nat.created["WSL_deadbeef"] = "172.17.1.0/24"
	nat.created["SomeOtherNAT"] = "10.0.0.0/24"
	fw := newFakeFirewall()
	fw.rules["WSL_feedface"] = "192.168.1.1/32"
	fw.rules["UserRule"] = "192.168.1.2/32"

	e := New(nat, fw)
	if err := e.CleanupStale(); err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if _, ok := nat.created["WSL_deadbeef"]; ok {
		t.Fatal("expected WSL-prefixed NAT removed")
	}
	if _, ok := nat.created["SomeOtherNAT"]; !ok {
		t.Fatal("expected non-WSL NAT preserved")
	}
	if _, ok := fw.rules["WSL_feedface"]; ok {
		t.Fatal("expected WSL-prefixed rule removed")
	}
	if _, ok := fw.rules["UserRule"]; !ok {
		t.Fatal("expected non-WSL rule preserved")
	}
}
