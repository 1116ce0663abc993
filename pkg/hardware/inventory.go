package hardware

import "context"

// OpCollectInventory is the operation every inventory-capable provider
// declares. It returns an InventoryFragment.
const OpCollectInventory = "collect_inventory"

// Well-known inventory section keys. Providers may add vendor sections
// under their own keys; the controller treats unknown sections as opaque.
const (
	SectionHostname     = "hostname"
	SectionCPU          = "cpu"
	SectionMemory       = "memory"
	SectionBlockDevices = "block_devices"
	SectionInterfaces   = "interfaces"
	SectionSystemVendor = "system_vendor"
)

// InventoryFragment is one provider's contribution to the machine
// inventory, keyed by section.
type InventoryFragment map[string]any

// Inventory is the aggregated hardware description reported to the
// controller on heartbeat request.
type Inventory map[string]any

// CPUInfo describes the machine's processors.
type CPUInfo struct {
	ModelName string `json:"model_name"`
	Count     int    `json:"count"`
	Vendor    string `json:"vendor,omitempty"`
	Flags     string `json:"flags,omitempty"`
}

// MemoryInfo describes physical memory.
type MemoryInfo struct {
	TotalKB int64 `json:"total_kb"`
}

// BlockDevice describes one block device eligible for erasure or image
// writing.
type BlockDevice struct {
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes"`
	Rotational bool   `json:"rotational"`
	Model      string `json:"model,omitempty"`
}

// NetworkInterface describes one NIC.
type NetworkInterface struct {
	Name       string `json:"name"`
	MACAddress string `json:"mac_address"`
	State      string `json:"state"`
}

// SystemVendor describes DMI vendor strings.
type SystemVendor struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// CollectInventory aggregates inventory fragments from every capable
// provider. Providers are consulted in registry order, so for a section
// contributed by several providers the highest-support contribution
// wins.
func CollectInventory(ctx context.Context, d *Dispatcher) (Inventory, error) {
	responses, err := d.DispatchAll(ctx, OpCollectInventory, nil)
	if err != nil {
		return nil, err
	}

	inv := make(Inventory)
	for _, entry := range d.Registry().Providers() {
		resp, ok := responses[entry.Identity.Name]
		if !ok {
			continue
		}
		fragment, ok := resp.(InventoryFragment)
		if !ok {
			return nil, NewError(CodeProviderFailed,
				"provider returned malformed inventory fragment", nil).
				WithOperation(OpCollectInventory).
				WithProvider(entry.Identity.Name)
		}
		for section, value := range fragment {
			if _, taken := inv[section]; !taken {
				inv[section] = value
			}
		}
	}
	return inv, nil
}
