package actuator

import (
	"context"
	"fmt"
	"log/slog"

	"tinygo.org/x/bluetooth"
)

// BLETransport implements Transport on the host Bluetooth adapter
type BLETransport struct {
	adapter *bluetooth.Adapter

	addr      bluetooth.Address
	found     bool
	device    bluetooth.Device
	connected bool
	service   bluetooth.DeviceService
	char      bluetooth.DeviceCharacteristic
	hasChar   bool
}

// NewBLETransport creates a transport on the default adapter
func NewBLETransport() (*BLETransport, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}
	return &BLETransport{adapter: adapter}, nil
}

// Scan discovers the first device advertising the given name
func (t *BLETransport) Scan(ctx context.Context, nameFilter string) error {
	found := make(chan bluetooth.Address, 1)

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.LocalName() != nameFilter {
				return
			}
			adapter.StopScan()
			select {
			case found <- result.Address:
			default:
			}
		})
	}()

	select {
	case <-ctx.Done():
		t.adapter.StopScan()
		return fmt.Errorf("scan for %q cancelled: %w", nameFilter, ctx.Err())
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		select {
		case addr := <-found:
			t.addr = addr
			t.found = true
			slog.Info("actuator device discovered", "name", nameFilter, "address", addr.String())
			return nil
		default:
			return fmt.Errorf("scan ended without finding device %q", nameFilter)
		}
	}
}

// Connect connects to the device found during Scan
func (t *BLETransport) Connect(ctx context.Context) error {
	if !t.found {
		return fmt.Errorf("no device discovered")
	}

	device, err := t.adapter.Connect(t.addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.addr.String(), err)
	}
	t.device = device
	t.connected = true
	return nil
}

// DiscoverService resolves the stimulation service
func (t *BLETransport) DiscoverService(ctx context.Context, serviceUUID string) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("invalid service uuid %q: %w", serviceUUID, err)
	}

	services, err := t.device.DiscoverServices([]bluetooth.UUID{uuid})
	if err != nil {
		return fmt.Errorf("service discovery failed: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("service %s not found", serviceUUID)
	}

	t.service = services[0]
	return nil
}

// DiscoverCharacteristic resolves the stimulation characteristic
func (t *BLETransport) DiscoverCharacteristic(ctx context.Context, characteristicUUID string) error {
	uuid, err := bluetooth.ParseUUID(characteristicUUID)
	if err != nil {
		return fmt.Errorf("invalid characteristic uuid %q: %w", characteristicUUID, err)
	}

	chars, err := t.service.DiscoverCharacteristics([]bluetooth.UUID{uuid})
	if err != nil {
		return fmt.Errorf("characteristic discovery failed: %w", err)
	}
	if len(chars) == 0 {
		return fmt.Errorf("characteristic %s not found", characteristicUUID)
	}

	t.char = chars[0]
	t.hasChar = true
	return nil
}

// Write writes to the resolved characteristic
func (t *BLETransport) Write(data []byte) error {
	if !t.hasChar {
		return fmt.Errorf("characteristic not resolved")
	}
	if _, err := t.char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("characteristic write failed: %w", err)
	}
	return nil
}

// Read reads from the resolved characteristic
func (t *BLETransport) Read(buf []byte) (int, error) {
	if !t.hasChar {
		return 0, fmt.Errorf("characteristic not resolved")
	}
	n, err := t.char.Read(buf)
	if err != nil {
		return n, fmt.Errorf("characteristic read failed: %w", err)
	}
	return n, nil
}

// Disconnect releases the device. Safe to call at any pairing stage.
func (t *BLETransport) Disconnect() error {
	t.hasChar = false
	t.found = false
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.device.Disconnect()
}
