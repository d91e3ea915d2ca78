package enumerate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/banshee-data/serialbridge/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

// fakeSysfs builds a minimal /sys/class/tty tree. Each entry maps a tty name
// to the device directory (relative to the devices root) it links to.
func fakeSysfs(t *testing.T, links map[string]string) (classDir, devicesDir string) {
	t.Helper()
	root := t.TempDir()
	classDir = filepath.Join(root, "class", "tty")
	devicesDir = filepath.Join(root, "devices")
	for name, target := range links {
		dev := filepath.Join(devicesDir, target)
		require.NoError(t, os.MkdirAll(dev, 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(classDir, name), 0o755))
		require.NoError(t, os.Symlink(dev, filepath.Join(classDir, name, "device")))
	}
	return classDir, devicesDir
}

func writeAttr(t *testing.T, dir, name, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
}

func TestList_SingleUSBPort(t *testing.T) {
	classDir, devicesDir := fakeSysfs(t, map[string]string{
		"ttyUSB0": "pci0000:00/usb1/1-1/1-1:1.0",
	})
	usb := filepath.Join(devicesDir, "pci0000:00/usb1/1-1")
	writeAttr(t, usb, "idVendor", "0403")
	writeAttr(t, usb, "manufacturer", "FTDI")
	writeAttr(t, usb, "product", "FT232R USB UART")

	l := &Lister{
		sysfsRoot: classDir,
		detailed: func() ([]*enumerator.PortDetails, error) {
			return []*enumerator.PortDetails{
				{Name: "/dev/ttyUSB0", IsUSB: true, VID: "403", PID: "6001", SerialNumber: "A50285BI"},
			}, nil
		},
	}

	got, err := l.List(context.Background())
	require.NoError(t, err)

	want := []PortInfo{{
		PortName:     "/dev/ttyUSB0",
		PortType:     PortUSB,
		VID:          "0403",
		PID:          "6001",
		Manufacturer: "FTDI",
		Product:      "FT232R USB UART",
		SerialNumber: "A50285BI",
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestList_USBDefaultsToUnknown(t *testing.T) {
	l := &Lister{
		detailed: func() ([]*enumerator.PortDetails, error) {
			return []*enumerator.PortDetails{{Name: "COM3", IsUSB: true, VID: "2341", PID: "0043"}}, nil
		},
	}

	got, err := l.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, unknown, got[0].Manufacturer)
	assert.Equal(t, unknown, got[0].Product)
	assert.Empty(t, got[0].SerialNumber)
	assert.Equal(t, "2341", got[0].VID)
	assert.Equal(t, "0043", got[0].PID)
}

func TestList_ClassifiesAndSorts(t *testing.T) {
	classDir, _ := fakeSysfs(t, map[string]string{
		"ttyS4": "pci0000:00/0000:00:16.3",
		"ttyS0": "pnp0/00:01",
		"ttyX0": "platform/bluetooth/hci0",
	})

	l := &Lister{
		sysfsRoot: classDir,
		detailed: func() ([]*enumerator.PortDetails, error) {
			return []*enumerator.PortDetails{
				{Name: "/dev/ttyS4"},
				{Name: "/dev/rfcomm0"},
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyX0"},
			}, nil
		},
	}

	got, err := l.List(context.Background())
	require.NoError(t, err)

	want := []PortInfo{
		{PortName: "/dev/rfcomm0", PortType: PortBluetooth},
		{PortName: "/dev/ttyS0", PortType: PortUnknown},
		{PortName: "/dev/ttyS4", PortType: PortPCI},
		{PortName: "/dev/ttyX0", PortType: PortBluetooth},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestList_SkipsNilDetails(t *testing.T) {
	l := &Lister{
		detailed: func() ([]*enumerator.PortDetails, error) {
			return []*enumerator.PortDetails{
				{Name: "COM9"},
				nil,
				{Name: "COM2", IsUSB: true},
				nil,
			}, nil
		},
	}

	got, err := l.List(context.Background())
	require.NoError(t, err)

	want := []PortInfo{
		{PortName: "COM2", PortType: PortUSB, VID: "0000", PID: "0000", Manufacturer: unknown, Product: unknown},
		{PortName: "COM9", PortType: PortUnknown},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestList_EnumerationFailureIsEmpty(t *testing.T) {
	l := &Lister{detailed: func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("no permission")
	}}
	got, err := l.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestList_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLister().List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHexID(t *testing.T) {
	tests := map[string]string{
		"403":    "0403",
		"0x1A86": "1a86",
		"7523":   "7523",
		"zz":     "0000",
		"":       "0000",
		" ":      "0000",
		"10000":  "0000",
	}
	for in, want := range tests {
		assert.Equal(t, want, hexID(in), in)
	}
}

func TestIsSerialDevice(t *testing.T) {
	assert.False(t, isSerialDevice("/dev/null"))
	assert.True(t, isSerialDevice("/dev/ttyACM0"))
	assert.True(t, isSerialDevice("/dev/rfcomm1"))
}

func TestPortInfoJSONOmitsEmpty(t *testing.T) {
	info := PortInfo{PortName: "/dev/ttyS0", PortType: PortUnknown}
	b, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{"port_name":"/dev/ttyS0","port_type":"Unknown"}`, string(b))
}

func TestWatcher_SendsSnapshotOnHotplug(t *testing.T) {
	dir := t.TempDir()
	names := []string{}
	l := &Lister{detailed: func() ([]*enumerator.PortDetails, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		out := make([]*enumerator.PortDetails, 0, len(entries))
		for _, e := range entries {
			out = append(out, &enumerator.PortDetails{Name: filepath.Join(dir, e.Name())})
		}
		return out, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &Watcher{Lister: l, Dir: dir, Debounce: 20 * time.Millisecond}
	ch, err := w.Watch(ctx)
	require.NoError(t, err)

	select {
	case ports := <-ch:
		assert.Empty(t, ports)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	// Non-serial files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0"), nil, 0o644))

	select {
	case ports := <-ch:
		for _, p := range ports {
			names = append(names, filepath.Base(p.PortName))
		}
		assert.Contains(t, names, "ttyUSB0")
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after hotplug")
	}

	cancel()
	for range ch {
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	w := NewWatcher(NewLister(), filepath.Join(t.TempDir(), "missing"))
	_, err := w.Watch(context.Background())
	assert.Error(t, err)
}
