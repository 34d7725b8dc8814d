// Package urls centralizes the well-known endpoint paths and URL resolution
// rules used to reach a device.
//
// Usage:
//
//	import "github.com/muurk/castlink/internal/urls"
//
//	endpoint := urls.LinkEndpoint(dev.IP, urls.DefaultLinkPort, urls.ApplicationLinkPath)
//	stop, err := urls.ResolveRunLink("http://192.168.1.20:8008/apps/Demo", "run")
package urls
