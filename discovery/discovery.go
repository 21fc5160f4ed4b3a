// Package discovery announces the relay on the local network so
// programmatic clients on the same LAN can find it without being
// told its address up front.
package discovery

import (
	"net"

	"github.com/grandcat/zeroconf"

	"github.com/helphub/relay/log"
)

const serviceType = "_helphub._tcp"
const serviceDomain = "local."

//Announcer wraps the mDNS/Bonjour-style service registration
type Announcer struct {
	server *zeroconf.Server
}

//Announce registers serviceName on the LAN, advertising framedPort as
//the port clients should connect to. The host's addresses are logged
//first, whether or not the registration succeeds.
func Announce(serviceName string, framedPort int) (*Announcer, error) {
	for _, addr := range siteLocalAddresses() {
		log.Get().Infof("reachable at %s:%d", addr, framedPort)
	}

	server, err := zeroconf.Register(serviceName, serviceType, serviceDomain, framedPort, nil, nil)
	if err != nil {
		return nil, err
	}

	log.Get().Infof("announcing %q on the local network as %s%s", serviceName, serviceType, serviceDomain)

	return &Announcer{server: server}, nil
}

//Shutdown withdraws the announcement
func (a *Announcer) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

//siteLocalAddresses returns every non-loopback IPv4 address bound to
//this host, for the startup log lines operators use to find the server
//when the announcement cannot be registered. Only Announce logs them,
//so nothing is logged when discovery is disabled.
func siteLocalAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var addrs []string
	for _, iface := range ifaces {
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifaceAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			addrs = append(addrs, ip4.String())
		}
	}
	return addrs
}
