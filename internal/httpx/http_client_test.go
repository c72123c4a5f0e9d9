package httpx

import (
	"testing"
	"time"
)

func TestConfigureExternalHTTPClient(t *testing.T) {
	original := externalHTTPClient.Timeout
	t.Cleanup(func() { externalHTTPClient.Timeout = original })

	tests := []struct {
		name    string
		seconds int
		want    time.Duration
	}{
		{"zero keeps default", 0, defaultExternalHTTPTimeout},
		{"negative keeps default", -5, defaultExternalHTTPTimeout},
		{"explicit", 90, 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConfigureExternalHTTPClient(tt.seconds); got != tt.want {
				t.Fatalf("ConfigureExternalHTTPClient(%d) = %s, want %s", tt.seconds, got, tt.want)
			}
			if got := ExternalHTTPClient().Timeout; got != tt.want {
				t.Fatalf("shared client timeout = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExternalHTTPClientIsShared(t *testing.T) {
	if ExternalHTTPClient() != ExternalHTTPClient() {
		t.Fatal("ExternalHTTPClient must return the same client on every call")
	}
	if ExternalHTTPClient().Timeout <= 0 {
		t.Fatalf("shared client has no timeout: %s", ExternalHTTPClient().Timeout)
	}
}
