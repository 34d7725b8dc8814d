package discovery

import (
	"strings"
	"testing"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name         string
		data         string
		wantErr      bool
		wantID       string
		wantLocation string
		wantST       string
	}{
		{
			name: "dial response",
			data: "HTTP/1.1 200 OK\r\n" +
				"CACHE-CONTROL: max-age=1800\r\n" +
				"LOCATION: http://192.168.1.20:8008/ssdp/device-desc.xml\r\n" +
				"ST: urn:dial-multiscreen-org:service:dial:1\r\n" +
				"USN: uuid:4d3f2a1b-0000-1111-2222-333344445555::urn:dial-multiscreen-org:service:dial:1\r\n" +
				"\r\n",
			wantID:       "4d3f2a1b-0000-1111-2222-333344445555",
			wantLocation: "http://192.168.1.20:8008/ssdp/device-desc.xml",
			wantST:       DIALSearchTarget,
		},
		{
			name: "lowercase headers",
			data: "HTTP/1.1 200 OK\r\n" +
				"location: http://10.0.0.3:80/desc.xml\r\n" +
				"st: upnp:rootdevice\r\n" +
				"usn: uuid:abc\r\n" +
				"\r\n",
			wantID:       "abc",
			wantLocation: "http://10.0.0.3:80/desc.xml",
			wantST:       "upnp:rootdevice",
		},
		{
			name: "missing location",
			data: "HTTP/1.1 200 OK\r\n" +
				"USN: uuid:abc\r\n" +
				"\r\n",
			wantErr: true,
		},
		{
			name: "missing usn",
			data: "HTTP/1.1 200 OK\r\n" +
				"LOCATION: http://10.0.0.3/desc.xml\r\n" +
				"\r\n",
			wantErr: true,
		},
		{
			name: "notify is not a search response",
			data: "NOTIFY * HTTP/1.1\r\n" +
				"HOST: 239.255.255.250:1900\r\n" +
				"\r\n",
			wantErr: true,
		},
		{
			name: "error status",
			data: "HTTP/1.1 500 Internal Server Error\r\n" +
				"LOCATION: http://10.0.0.3/desc.xml\r\n" +
				"USN: uuid:abc\r\n" +
				"\r\n",
			wantErr: true,
		},
		{
			name:    "garbage",
			data:    "\x00\x01\x02",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", got.ID, tt.wantID)
			}
			if got.Location != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got.Location, tt.wantLocation)
			}
			if got.SearchTarget != tt.wantST {
				t.Errorf("SearchTarget = %q, want %q", got.SearchTarget, tt.wantST)
			}
		})
	}
}

func TestIDFromUSN(t *testing.T) {
	tests := []struct {
		usn  string
		want string
	}{
		{"uuid:abc::urn:dial-multiscreen-org:service:dial:1", "abc"},
		{"uuid:abc", "abc"},
		{"abc::upnp:rootdevice", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := IDFromUSN(tt.usn); got != tt.want {
			t.Errorf("IDFromUSN(%q) = %q, want %q", tt.usn, got, tt.want)
		}
	}
}

func TestBuildSearchRequest(t *testing.T) {
	req := string(BuildSearchRequest(DIALSearchTarget, 3))

	if !strings.HasPrefix(req, "M-SEARCH * HTTP/1.1\r\n") {
		t.Errorf("request line wrong: %q", req)
	}
	for _, want := range []string{
		"HOST: 239.255.255.250:1900\r\n",
		"MAN: \"ssdp:discover\"\r\n",
		"MX: 3\r\n",
		"ST: " + DIALSearchTarget + "\r\n",
	} {
		if !strings.Contains(req, want) {
			t.Errorf("request missing %q", want)
		}
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Error("request must end with an empty line")
	}
}

func TestSSDPTransport_SearchBeforeListen(t *testing.T) {
	tr := NewSSDPTransport()
	if err := tr.Search(t.Context(), []string{DIALSearchTarget}); err == nil {
		t.Error("Search() before Listen should fail")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close() on unopened transport = %v", err)
	}
}
