package browser

import "testing"

func TestAllowedHost(t *testing.T) {
	tests := []struct {
		host, pageHost string
		allowed        []string
		want           bool
	}{
		{"example.com", "example.com", nil, true},
		{"cdn.example.com", "example.com", nil, false},
		{"cdn.example.com", "example.com", []string{"cdn.example.com"}, true},
		{"evil.com", "example.com", []string{"cdn.example.com"}, false},
		{"", "example.com", nil, true},
	}
	for _, tt := range tests {
		if got := allowedHost(tt.host, tt.pageHost, tt.allowed); got != tt.want {
			t.Errorf("allowedHost(%q, %q, %v) = %v, want %v", tt.host, tt.pageHost, tt.allowed, got, tt.want)
		}
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("https://example.com:8080/path"); got != "example.com" {
		t.Errorf("hostOf = %q, want example.com", got)
	}
	if got := hostOf("://bad"); got != "" {
		t.Errorf("hostOf(invalid) = %q, want empty", got)
	}
}

func TestNew_NotConnectedUntilLaunch(t *testing.T) {
	b := New()
	if b.IsConnected() {
		t.Error("IsConnected() = true before launch")
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() on unlaunched browser = %v", err)
	}
}
