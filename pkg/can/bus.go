// Package can provides a pluggable registry of canopen.Transport
// backends, grounded on the teacher's interface-registration convention:
// concrete backends call RegisterInterface from an init() func so that
// selecting one is a matter of naming it, not importing its package
// directly from calling code.
package can

import (
	"fmt"

	canopen "github.com/canlink/canopen-core"
)

// NewInterfaceFunc constructs a canopen.Transport for a given channel
// name (e.g. "can0", "localhost:18888").
type NewInterfaceFunc func(channel string) (canopen.Transport, error)

var registry = make(map[string]NewInterfaceFunc)

// RegisterInterface registers a transport backend under interfaceType.
// Call from an init() function of the backend's package.
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	registry[interfaceType] = newInterface
}

// NewBus constructs a transport of the named, previously-registered kind.
func NewBus(interfaceType string, channel string) (canopen.Transport, error) {
	newInterface, ok := registry[interfaceType]
	if !ok {
		return nil, fmt.Errorf("can: unregistered transport interface %q", interfaceType)
	}
	return newInterface(channel)
}
