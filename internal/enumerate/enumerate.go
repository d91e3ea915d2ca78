// Package enumerate lists the serial ports present on the host and describes
// each one's bus, USB identifiers and product strings.
package enumerate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/banshee-data/serialbridge/internal/monitoring"
)

// PortType is the bus a port is attached to.
type PortType string

const (
	PortUSB       PortType = "USB"
	PortPCI       PortType = "PCI"
	PortBluetooth PortType = "Bluetooth"
	PortUnknown   PortType = "Unknown"
)

const unknown = "Unknown"

// DefaultSysfsRoot is where Linux exposes tty devices.
const DefaultSysfsRoot = "/sys/class/tty"

// PortInfo describes one available port. The USB fields are only set for
// USB ports.
type PortInfo struct {
	PortName     string   `json:"port_name"`
	PortType     PortType `json:"port_type"`
	VID          string   `json:"vid,omitempty"`
	PID          string   `json:"pid,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Product      string   `json:"product,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

// Lister queries the OS for serial ports.
type Lister struct {
	detailed  func() ([]*enumerator.PortDetails, error)
	sysfsRoot string
}

// NewLister returns a Lister backed by go.bug.st/serial/enumerator and the
// Linux sysfs tty class.
func NewLister() *Lister {
	return &Lister{detailed: enumerator.GetDetailedPortsList, sysfsRoot: DefaultSysfsRoot}
}

// List returns the ports sorted by name. An enumeration failure is logged and
// yields an empty list.
func (l *Lister) List(ctx context.Context) ([]PortInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	details, err := l.detailed()
	if err != nil {
		log := monitoring.Logger()
		log.Warn().Err(err).Msg("failed to enumerate serial ports")
		return []PortInfo{}, nil
	}

	present := details[:0:0]
	for _, d := range details {
		if d != nil {
			present = append(present, d)
		}
	}
	sort.Slice(present, func(i, j int) bool { return present[i].Name < present[j].Name })

	ports := make([]PortInfo, 0, len(present))
	for _, d := range present {
		ports = append(ports, l.describe(d))
	}
	return ports, nil
}

func (l *Lister) describe(d *enumerator.PortDetails) PortInfo {
	info := PortInfo{PortName: d.Name}
	device := l.devicePath(d.Name)

	if !d.IsUSB {
		info.PortType = classify(d.Name, device)
		return info
	}

	usb := usbDir(device)
	info.PortType = PortUSB
	info.VID = hexID(d.VID)
	info.PID = hexID(d.PID)
	info.Manufacturer = firstNonEmpty(readAttr(usb, "manufacturer"), unknown)
	info.Product = firstNonEmpty(d.Product, readAttr(usb, "product"), unknown)
	info.SerialNumber = firstNonEmpty(d.SerialNumber, readAttr(usb, "serial"))
	return info
}

// devicePath resolves /sys/class/tty/<name>/device, or "" when the port has
// no device link.
func (l *Lister) devicePath(name string) string {
	if l.sysfsRoot == "" {
		return ""
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(l.sysfsRoot, filepath.Base(name), "device"))
	if err != nil {
		return ""
	}
	return resolved
}

func classify(name, device string) PortType {
	base := filepath.Base(name)
	switch {
	case strings.HasPrefix(base, "rfcomm"), strings.Contains(strings.ToLower(device), "bluetooth"):
		return PortBluetooth
	case strings.Contains(device, "/pci"):
		return PortPCI
	default:
		return PortUnknown
	}
}

// usbDir walks up from the tty's device directory to the USB device that owns
// it, identified by its idVendor attribute.
func usbDir(device string) string {
	if device == "" {
		return ""
	}
	for dir := device; dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
	}
	return ""
}

func readAttr(dir, name string) string {
	if dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// hexID formats a USB vendor or product ID as four lowercase hex digits. A
// missing or unparseable ID is reported as "0000".
func hexID(raw string) string {
	raw = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	v, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return "0000"
	}
	return fmt.Sprintf("%04x", v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
