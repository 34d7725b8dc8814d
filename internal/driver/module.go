package driver

import (
	"fmt"

	"github.com/muurk/castlink/internal/link"
)

// Module is a named channel of functionality on a device
type Module int

const (
	ModuleApplication Module = iota
	ModulePublicSettings
	ModulePrivateSettings
)

// Modules lists every module in a stable order
var Modules = []Module{ModuleApplication, ModulePublicSettings, ModulePrivateSettings}

func (m Module) String() string {
	switch m {
	case ModuleApplication:
		return "application"
	case ModulePublicSettings:
		return "public-settings"
	case ModulePrivateSettings:
		return "private-settings"
	default:
		return fmt.Sprintf("module(%d)", int(m))
	}
}

// Domain returns the link domain tag carried by this module's traffic
func (m Module) Domain() link.Domain {
	if m == ModuleApplication {
		return link.DomainApplication
	}
	return link.DomainSettings
}

// ParseModule maps a module name back to a Module
func ParseModule(name string) (Module, error) {
	for _, m := range Modules {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown module %q", name)
}

// Settings service identifiers embedded in settings-domain messages
const (
	ServicePublic  = "public"
	ServicePrivate = "private"
)

// ConnectionState is the per-module link state
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
