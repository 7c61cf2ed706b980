package meshdht

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
)

// machineIDPaths are probed in order on Linux; the first readable one wins.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// ErrNoDeviceSources is returned when no stable identifier could be found.
var ErrNoDeviceSources = errors.New("meshdht: no stable device identifiers available")

// DeviceIdentity binds this machine to a stable beacon key in the DHT.
// Sources lists the labeled identity inputs the fingerprint is derived
// from, most stable first; the fingerprint is an ID in the DHT key space,
// so a device beacon routes like any other stored value.
type DeviceIdentity struct {
	Hostname    string
	Sources     []string
	Fingerprint string
}

// DeviceKey returns the DHT key under which a device beacon is published.
func DeviceKey(fingerprint string) string {
	return "device:" + fingerprint
}

// Key returns the beacon key for this device.
func (d *DeviceIdentity) Key() string {
	return DeviceKey(d.Fingerprint)
}

// GetDeviceIdentity derives the device fingerprint from the machine id,
// hostname, and the set of physical interface addresses. It fails only
// when none of the sources is available.
func GetDeviceIdentity() (*DeviceIdentity, error) {
	dev := &DeviceIdentity{}
	dev.Hostname, _ = os.Hostname()
	dev.Sources = collectDeviceSources(dev.Hostname)
	if len(dev.Sources) == 0 {
		return nil, ErrNoDeviceSources
	}
	dev.Fingerprint = fingerprintSources(dev.Sources)
	return dev, nil
}

// collectDeviceSources gathers the labeled identity inputs. The machine id
// outlives interface changes, so it leads; every physical MAC follows in
// sorted order so the result does not depend on enumeration order.
func collectDeviceSources(hostname string) []string {
	var sources []string

	if runtime.GOOS == "linux" {
		for _, path := range machineIDPaths {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					sources = append(sources, "machine-id="+id)
					break
				}
			}
		}
	}

	if hostname != "" {
		sources = append(sources, "hostname="+hostname)
	}

	sources = append(sources, physicalMACs()...)
	return sources
}

// physicalMACs returns one "mac=" source per hardware interface, skipping
// loopback interfaces and those named veth* or docker*, sorted for a stable
// fingerprint.
func physicalMACs() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if strings.HasPrefix(iface.Name, "veth") || strings.HasPrefix(iface.Name, "docker") {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, "mac="+iface.HardwareAddr.String())
	}
	sort.Strings(macs)
	return macs
}

// fingerprintSources digests the canonical source list into the DHT key
// space. One source per line keeps the encoding unambiguous.
func fingerprintSources(sources []string) string {
	canonical := fmt.Sprintf("%d\n%s", len(sources), strings.Join(sources, "\n"))
	return DigestKey(canonical).String()
}
