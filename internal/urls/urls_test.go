package urls

import "testing"

func TestLinkEndpoint(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		path string
		want string
	}{
		{"application", "192.168.1.20", 8009, ApplicationLinkPath, "ws://192.168.1.20:8009/channels"},
		{"default port", "192.168.1.20", 0, SettingsLinkPath, "ws://192.168.1.20:8009/system"},
		{"path without slash", "10.0.0.5", 9000, "x", "ws://10.0.0.5:9000/x"},
		{"ipv6", "fe80::1", 8009, "/channels", "ws://[fe80::1]:8009/channels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LinkEndpoint(tt.host, tt.port, tt.path); got != tt.want {
				t.Errorf("LinkEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveRunLink(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		runLink string
		want    string
		wantErr bool
	}{
		{
			name:   "default run link",
			target: "http://192.168.1.20:8008/apps/Demo",
			want:   "http://192.168.1.20:8008/apps/Demo/run",
		},
		{
			name:    "relative run link",
			target:  "http://192.168.1.20:8008/apps/Demo",
			runLink: "run",
			want:    "http://192.168.1.20:8008/apps/Demo/run",
		},
		{
			name:    "relative with trailing slash target",
			target:  "http://192.168.1.20:8008/apps/Demo/",
			runLink: "instance/42",
			want:    "http://192.168.1.20:8008/apps/Demo/instance/42",
		},
		{
			name:    "absolute run link verbatim",
			target:  "http://192.168.1.20:8008/apps/Demo",
			runLink: "http://192.168.1.20:8008/apps/Demo/web-1",
			want:    "http://192.168.1.20:8008/apps/Demo/web-1",
		},
		{
			name:    "absolute run link on another host",
			target:  "http://192.168.1.20:8008/apps/Demo",
			runLink: "http://10.0.0.5/stop",
			want:    "http://10.0.0.5/stop",
		},
		{
			name:    "relative target cannot anchor",
			target:  "apps/Demo",
			runLink: "run",
			wantErr: true,
		},
		{
			name:    "malformed run link",
			target:  "http://192.168.1.20:8008/apps/Demo",
			runLink: "http://[::1",
			wantErr: true,
		},
		{
			name:    "absolute without host",
			target:  "http://192.168.1.20:8008/apps/Demo",
			runLink: "http:run",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRunLink(tt.target, tt.runLink)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveRunLink() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveRunLink() = %q, want %q", got, tt.want)
			}
		})
	}
}
