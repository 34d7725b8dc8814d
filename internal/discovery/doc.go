// Package discovery finds cast devices on the local network and keeps a live
// registry of them.
//
// A Discovery runs a probe cycle at a fixed interval: every configured
// Transport is asked to search, answers are coalesced by device identity, and
// devices not yet known are resolved out of band (usually by fetching their
// UPnP description document). The same interval drives a sweep that removes
// devices which stopped answering for MissedProbes consecutive intervals.
//
// Two transports are provided:
//   - SSDPTransport multicasts M-SEARCH requests to 239.255.255.250:1900
//   - MDNSTransport browses the "_googlecast._tcp" DNS-SD service
//
// # Lifecycle
//
//	idle ──Resume──▶ discovering ◀──Resume── paused
//	                     │  ▲                  ▲
//	                     │  └──Resume──┐       │
//	                    Stop          stopped  Pause (from discovering)
//
// Pause keeps the registry and emits nothing. Stop reports every registered
// device in a single removal batch, clears the registry and then reports that
// discovery stopped. A stopped Discovery can be resumed.
//
// # Usage Example
//
//	d := discovery.New(discovery.DefaultConfig(), discovery.ListenerFuncs{
//	    Added: func(devices []*discovery.Device) {
//	        for _, dev := range devices {
//	            fmt.Println("found", dev)
//	        }
//	    },
//	})
//	d.Resume()
//	defer d.Close()
//
// Listener callbacks are delivered in order on a single goroutine.
package discovery
