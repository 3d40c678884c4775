package security

import "testing"

func TestAllowListTailscale(t *testing.T) {
	al, err := ParseAllowList([]string{"tailscale"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr string
		want bool
	}{
		{"100.64.0.1:8080", true},
		{"100.127.255.255:8080", true},
		{"100.63.255.255:8080", false},
		{"100.128.0.0:8080", false},
		{"192.168.1.1:8080", false},
		{"[fd7a:115c:a1e0::1]:8080", true},
		{"[fd7a:115c:a1e1::1]:8080", false},
		{"[::1]:8080", false},
		{"not-an-address", false},
		{"", false},
		{"100.64.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := al.Allows(tt.addr); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestAllowListCustom(t *testing.T) {
	al, err := ParseAllowList([]string{"10.0.0.0/8", " 127.0.0.1/32 "})
	if err != nil {
		t.Fatal(err)
	}
	if !al.Allows("10.1.2.3:1") {
		t.Error("10.1.2.3 should be allowed")
	}
	if !al.Allows("127.0.0.1:1") {
		t.Error("127.0.0.1 should be allowed")
	}
	if al.Allows("127.0.0.2:1") {
		t.Error("127.0.0.2 should be rejected")
	}
}

func TestAllowListEmptyAdmitsAll(t *testing.T) {
	al, err := ParseAllowList(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !al.Allows("8.8.8.8:53") {
		t.Error("empty allow list should admit everyone")
	}

	var nilList *AllowList
	if !nilList.Allows("8.8.8.8:53") {
		t.Error("nil allow list should admit everyone")
	}
}

func TestParseAllowListInvalid(t *testing.T) {
	if _, err := ParseAllowList([]string{"10.0.0.0/33"}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}
