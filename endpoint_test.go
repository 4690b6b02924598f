package p2p

import "testing"

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantHost string
		wantPort string
		wantErr  bool
	}{
		{"dns host", "peer.example.com:9876", "peer.example.com", "9876", false},
		{"ipv4", "127.0.0.1:9876", "127.0.0.1", "9876", false},
		{"ipv6 literal", "[::1]:9876", "::1", "9876", false},
		{"missing port", "127.0.0.1", "", "", true},
		{"empty", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseEndpoint(%q) expected error, got none", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint(%q) unexpected error: %v", tt.in, err)
			}
			if got.Host != tt.wantHost || got.Port != tt.wantPort {
				t.Errorf("ParseEndpoint(%q) = %+v, want host=%s port=%s", tt.in, got, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestParsedEndpointString(t *testing.T) {
	tests := []struct {
		name string
		ep   ParsedEndpoint
		want string
	}{
		{"dns", ParsedEndpoint{Host: "peer.example.com", Port: "9876"}, "peer.example.com:9876"},
		{"ipv4", ParsedEndpoint{Host: "127.0.0.1", Port: "9876"}, "127.0.0.1:9876"},
		{"ipv6", ParsedEndpoint{Host: "::1", Port: "9876"}, "[::1]:9876"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ep.String(); got != tt.want {
				t.Errorf("String() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseEndpointRoundTrip(t *testing.T) {
	for _, in := range []string{"example.org:80", "[2001:db8::1]:443"} {
		parsed, err := ParseEndpoint(in)
		if err != nil {
			t.Fatalf("ParseEndpoint(%q): %v", in, err)
		}
		if got := parsed.String(); got != in {
			t.Errorf("round trip %q produced %q", in, got)
		}
	}
}
