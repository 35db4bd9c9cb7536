package addrutil

import "testing"

func TestNDTAddr_ReplacesCoordinatorPort(t *testing.T) {
	addr, ok := NDTAddr("192.168.1.5:8080", 8888)
	if !ok {
		t.Fatal("expected ok")
	}
	if addr != "192.168.1.5:8888" {
		t.Fatalf("addr=%q", addr)
	}
}

func TestNDTAddr_LoopbackMapsToDevice(t *testing.T) {
	for _, in := range []string{"localhost:8080", "0.0.0.0", "http://localhost:8080/dashboard/"} {
		addr, ok := NDTAddr(in, 8888)
		if !ok {
			t.Fatalf("%s: expected ok", in)
		}
		if addr != "netrics.local:8888" {
			t.Fatalf("%s: addr=%q", in, addr)
		}
	}
}

func TestNDTAddr_IPv6(t *testing.T) {
	addr, ok := NDTAddr("[fe80::1]:80", 8888)
	if !ok || addr != "[fe80::1]:8888" {
		t.Fatalf("addr=%q ok=%v", addr, ok)
	}
}

func TestNDTAddr_Empty(t *testing.T) {
	if _, ok := NDTAddr("  ", 8888); ok {
		t.Fatal("expected not ok")
	}
}

func TestURLs(t *testing.T) {
	if got := DashboardURL("netrics.local"); got != "http://netrics.local/dashboard/" {
		t.Fatalf("dashboard=%q", got)
	}
	if got := TrialURL("netrics.local:8080"); got != "http://netrics.local:8080/dashboard/trial/" {
		t.Fatalf("trial=%q", got)
	}
}
