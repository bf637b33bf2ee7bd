// Package discovery advertises shellyd's presence to the local network so
// the mobile client can find it without the operator typing an IP address.
//
// Spec §6 scopes mDNS/Bonjour advertisement as an external collaborator with
// a minimal contract; this package provides that contract (Advertiser) plus
// a no-op implementation that only logs, grounded on the teacher's pattern of wrapping
// a third-party transport behind a small interface the rest of the daemon
// depends on (e.g. lib/service's reporter interfaces), so the advertiser can
// be swapped or stubbed in tests without touching the daemon's core logic.
package discovery

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ServiceType is the Bonjour/mDNS service type shellyd advertises under.
const ServiceType = "_shelly._tcp"

// Advertiser publishes (and later withdraws) an mDNS service record.
type Advertiser interface {
	Advertise(instance string, port int, txt map[string]string) error
	Shutdown()
}

// NoopAdvertiser satisfies Advertiser without touching the network — used
// when discovery is disabled or unavailable on the host platform.
type NoopAdvertiser struct {
	log logrus.FieldLogger
}

// NewNoopAdvertiser builds an Advertiser that only logs.
func NewNoopAdvertiser() *NoopAdvertiser {
	return &NoopAdvertiser{log: logrus.WithField("component", "discovery")}
}

func (n *NoopAdvertiser) Advertise(instance string, port int, txt map[string]string) error {
	n.log.Infof("discovery disabled; would advertise %v on port %d as %q", ServiceType, port, instance)
	return nil
}

func (n *NoopAdvertiser) Shutdown() {}

// TXTRecord builds the version/platform TXT fields spec §4.2 names.
func TXTRecord(version, platform string) map[string]string {
	return map[string]string{
		"version":  version,
		"platform": platform,
	}
}

// Summary renders a human-readable description of what would be advertised.
// Nothing in the daemon calls it; the status subcommand does not print it.
func Summary(instance string, port int, txt map[string]string) string {
	return fmt.Sprintf("%s on %s:%d %v", instance, ServiceType, port, txt)
}
