// Package config manages the castlink configuration file.
//
// The file carries tuning for the three layers of the SDK (discovery, link
// driver and application session) and remembers devices found by previous
// scans so commands can address them by nickname.
//
// # Configuration File Location
//
//   - Linux: $XDG_CONFIG_HOME/castlink/config.yaml or $HOME/.config/castlink/config.yaml
//   - macOS: $HOME/.config/castlink/config.yaml
//   - Windows: %LOCALAPPDATA%\castlink\config.yaml
//
// CASTLINK_CONFIG overrides the location.
//
// # Example
//
//	version: 1
//	discovery:
//	  probe_interval: 5s
//	  missed_probes: 3
//	  search_targets:
//	    - urn:dial-multiscreen-org:service:dial:1
//	  description_timeout: 5s
//	  mdns_enabled: true
//	driver:
//	  private_settings_enabled: false
//	  link_port: 8009
//	session:
//	  confirm_timeout: 1m0s
//	  http_timeout: 10s
//	devices:
//	  4d9a0e5c-1f2b-4c3d-9e8f-0a1b2c3d4e5f:
//	    nickname: lounge
//	    name: Living Room TV
//	    last_ip: 192.168.1.20
//	    app_url: http://192.168.1.20:8008/apps/
//
// # Usage
//
//	registry, err := config.LoadRegistry()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine := discovery.New(registry.DiscoveryConfig(), listener,
//	    discovery.WithTransports(registry.DiscoveryTransports()...))
//
// The global registry is loaded once; Save writes atomically through a
// temporary file.
package config
