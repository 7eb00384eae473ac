//go:build linux

package ppmline

import (
	"fmt"

	"github.com/jochenvg/go-udev"
)

// USB identity of the known PPM bridge dongles (an FT231X with custom
// firmware strings). Probing matches on these udev properties.
const (
	bridgeVendorID = "0403"
	bridgeModelID  = "6015"
)

// ProbeSerialDevice scans the udev tty subsystem for a connected PPM
// bridge dongle and returns its device node (e.g. /dev/ttyUSB0). It
// is used when no explicit --device is given; with several dongles
// attached the first match wins, so multi-programmer rigs should pass
// the device explicitly.
func ProbeSerialDevice() (string, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("tty"); err != nil {
		return "", fmt.Errorf("ppmline: udev match: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return "", fmt.Errorf("ppmline: udev enumerate: %w", err)
	}
	for _, d := range devices {
		if d.PropertyValue("ID_VENDOR_ID") != bridgeVendorID {
			continue
		}
		if d.PropertyValue("ID_MODEL_ID") != bridgeModelID {
			continue
		}
		if node := d.Devnode(); node != "" {
			return node, nil
		}
	}
	return "", fmt.Errorf("ppmline: no PPM bridge dongle found (vid:pid %s:%s)", bridgeVendorID, bridgeModelID)
}
