//go:build !linux

package ppmline

import "errors"

// ProbeSerialDevice requires udev; on non-Linux hosts the device must
// be named explicitly.
func ProbeSerialDevice() (string, error) {
	return "", errors.New("ppmline: device probing is only supported on Linux; pass the device explicitly")
}
