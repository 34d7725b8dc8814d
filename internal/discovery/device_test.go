package discovery

import "testing"

func TestDevice_String(t *testing.T) {
	tests := []struct {
		name   string
		device *Device
		want   string
	}{
		{
			name:   "named device",
			device: &Device{ID: "abc", FriendlyName: "Living Room TV", ModelName: "Caster 3", IP: "192.168.4.16", Port: 8008},
			want:   "Living Room TV (Caster 3) at 192.168.4.16:8008",
		},
		{
			name:   "unnamed device falls back to id",
			device: &Device{ID: "abc", IP: "10.0.0.5", Port: 80},
			want:   "abc () at 10.0.0.5:80",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.device.String(); got != tt.want {
				t.Errorf("Device.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDevice_AppURL(t *testing.T) {
	tests := []struct {
		name   string
		device *Device
		app    string
		want   string
	}{
		{
			name:   "base with trailing slash",
			device: &Device{BaseURL: "http://192.168.1.20:8008/apps/"},
			app:    "YouTube",
			want:   "http://192.168.1.20:8008/apps/YouTube",
		},
		{
			name:   "base without trailing slash",
			device: &Device{BaseURL: "http://192.168.1.20:8008/apps"},
			app:    "Demo",
			want:   "http://192.168.1.20:8008/apps/Demo",
		},
		{
			name:   "no base url",
			device: &Device{IP: "10.0.0.5", Port: 8008},
			app:    "Demo",
			want:   "http://10.0.0.5:8008/apps/Demo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.device.AppURL(tt.app); got != tt.want {
				t.Errorf("AppURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDevice_cloneIsIndependent(t *testing.T) {
	orig := &Device{ID: "a", FriendlyName: "one"}
	c := orig.clone()
	c.FriendlyName = "two"
	if orig.FriendlyName != "one" {
		t.Error("clone shares state with original")
	}
}
