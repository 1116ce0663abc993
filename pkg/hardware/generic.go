package hardware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Operation names the generic provider declares. Vendor providers reuse
// the same names to override individual operations.
const (
	OpPing             = "ping"
	OpEraseDevicesMeta = "erase_devices_metadata"
	OpWriteImage       = "write_image"
	OpBurninCPU        = "burnin_cpu"
)

// CommandRunner executes an external tool and returns its combined
// output. Injected so destructive operations can be exercised in tests
// without touching real devices.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// GenericProvider is the always-available fallback provider. It operates
// any Linux machine through generic kernel interfaces (/proc, /sys) and
// standard tooling (wipefs, dd, stress-ng), and reports SupportGeneric so
// any vendor provider outranks it.
type GenericProvider struct {
	sysRoot  string
	procRoot string
	run      CommandRunner
	logger   zerolog.Logger
	ops      map[string]Operation
}

// GenericProviderName is the stable identity name of the fallback
// provider.
const GenericProviderName = "generic_hardware"

// genericProviderVersion changes whenever the generic provider's step
// set or semantics change, invalidating in-flight workflows on upgrade.
const genericProviderVersion = "1.1"

// NewGenericProvider creates the fallback provider. A nil runner uses
// execCommand; sysRoot and procRoot default to /sys and /proc.
func NewGenericProvider(sysRoot, procRoot string, run CommandRunner, logger zerolog.Logger) *GenericProvider {
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	if procRoot == "" {
		procRoot = "/proc"
	}
	if run == nil {
		run = execCommand
	}
	p := &GenericProvider{
		sysRoot:  sysRoot,
		procRoot: procRoot,
		run:      run,
		logger:   logger.With().Str("provider", GenericProviderName).Logger(),
	}
	p.ops = map[string]Operation{
		OpPing:             {Handler: p.ping},
		OpCollectInventory: {Handler: p.collectInventory},
		OpEraseDevicesMeta: {Handler: p.eraseDevicesMetadata, Async: true, Destructive: true},
		OpWriteImage:       {Handler: p.writeImage, Async: true, Destructive: true},
		OpBurninCPU:        {Handler: p.burninCPU, Async: true},
	}
	return p
}

// Identity returns the provider's immutable name and version.
func (p *GenericProvider) Identity() Identity {
	return Identity{Name: GenericProviderName, Version: genericProviderVersion}
}

// EvaluateSupport probes the generic kernel interfaces this provider
// depends on. It reports SupportGeneric on any machine exposing them.
func (p *GenericProvider) EvaluateSupport(ctx context.Context) (SupportLevel, error) {
	if _, err := os.Stat(filepath.Join(p.sysRoot, "block")); err != nil {
		return SupportNone, fmt.Errorf("sysfs block directory unavailable: %w", err)
	}
	return SupportGeneric, nil
}

// Operations returns the explicit operation set.
func (p *GenericProvider) Operations() map[string]Operation {
	return p.ops
}

// Steps declares the generic clean, deploy and service steps.
func (p *GenericProvider) Steps(category StepCategory) []StepDescriptor {
	switch category {
	case CategoryClean:
		return []StepDescriptor{
			{
				Step:      OpEraseDevicesMeta,
				Priority:  99,
				Category:  CategoryClean,
				Abortable: true,
			},
		}
	case CategoryDeploy:
		return []StepDescriptor{
			{
				Step:            OpWriteImage,
				Priority:        80,
				Category:        CategoryDeploy,
				RebootRequested: true,
				ArgsInfo: map[string]ArgInfo{
					"image_path": {Description: "path of the image to write", Required: true},
					"device":     {Description: "target block device", Required: true},
				},
			},
		}
	case CategoryService:
		return []StepDescriptor{
			{
				Step:      OpBurninCPU,
				Priority:  0, // explicit request only
				Category:  CategoryService,
				Abortable: true,
				ArgsInfo: map[string]ArgInfo{
					"seconds": {Description: "burn-in duration in seconds"},
				},
			},
		}
	}
	return nil
}

// ping echoes the caller's parameters, proving the dispatch path end to
// end without touching hardware.
func (p *GenericProvider) ping(ctx context.Context, params Params) (any, error) {
	echo := make(Params, len(params))
	for k, v := range params {
		echo[k] = v
	}
	return echo, nil
}

// collectInventory gathers the machine description from /proc and /sys.
func (p *GenericProvider) collectInventory(ctx context.Context, params Params) (any, error) {
	fragment := make(InventoryFragment)

	if hostname, err := os.Hostname(); err == nil {
		fragment[SectionHostname] = hostname
	}
	if cpu, err := p.readCPUInfo(); err == nil {
		fragment[SectionCPU] = cpu
	} else {
		p.logger.Warn().Err(err).Msg("Failed to read CPU info")
	}
	if mem, err := p.readMemoryInfo(); err == nil {
		fragment[SectionMemory] = mem
	} else {
		p.logger.Warn().Err(err).Msg("Failed to read memory info")
	}
	devices, err := p.listBlockDevices()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to list block devices")
	} else {
		fragment[SectionBlockDevices] = devices
	}
	if ifaces, err := p.listInterfaces(); err == nil {
		fragment[SectionInterfaces] = ifaces
	}
	if vendor, err := p.readSystemVendor(); err == nil {
		fragment[SectionSystemVendor] = vendor
	}

	return fragment, nil
}

// eraseDevicesMetadata wipes filesystem, RAID and partition-table
// signatures from every physical block device.
func (p *GenericProvider) eraseDevicesMetadata(ctx context.Context, params Params) (any, error) {
	devices, err := p.listBlockDevices()
	if err != nil {
		return nil, fmt.Errorf("listing block devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, NotApplicable("no block devices present")
	}

	erased := make(map[string]string, len(devices))
	for i, dev := range devices {
		path := "/dev/" + dev.Name
		p.logger.Info().Str("device", path).Msg("Erasing device metadata")
		if _, err := p.run(ctx, "wipefs", "-a", path); err != nil {
			return nil, fmt.Errorf("wipefs %s: %w", path, err)
		}
		erased[path] = "metadata erased"
		ReportProgress(ctx, Progress{
			Percent: float64(i+1) / float64(len(devices)) * 100,
		})
	}
	return erased, nil
}

// writeImage streams a raw image onto a block device and syncs it.
func (p *GenericProvider) writeImage(ctx context.Context, params Params) (any, error) {
	imagePath, ok := params.String("image_path")
	if !ok || imagePath == "" {
		return nil, fmt.Errorf("write_image requires image_path")
	}
	device, ok := params.String("device")
	if !ok || device == "" {
		return nil, fmt.Errorf("write_image requires device")
	}
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("image not readable: %w", err)
	}

	p.logger.Info().
		Str("image", imagePath).
		Str("device", device).
		Int64("bytes", info.Size()).
		Msg("Writing image to device")

	if _, err := p.run(ctx, "dd",
		"if="+imagePath, "of="+device, "bs=4M", "oflag=direct", "conv=fsync"); err != nil {
		return nil, fmt.Errorf("dd to %s: %w", device, err)
	}
	ReportProgress(ctx, Progress{Percent: 100})

	return map[string]any{
		"device":        device,
		"image_path":    imagePath,
		"bytes_written": info.Size(),
	}, nil
}

// burninCPU loads every core for the requested duration.
func (p *GenericProvider) burninCPU(ctx context.Context, params Params) (any, error) {
	seconds := 60
	if raw, ok := params["seconds"]; ok {
		switch v := raw.(type) {
		case int:
			seconds = v
		case float64:
			seconds = int(v)
		}
	}
	out, err := p.run(ctx, "stress-ng",
		"--cpu", "0", "--cpu-method", "all",
		"--timeout", fmt.Sprintf("%ds", seconds), "--metrics-brief")
	if err != nil {
		return nil, fmt.Errorf("stress-ng: %w", err)
	}
	return map[string]any{"seconds": seconds, "output": string(out)}, nil
}

func (p *GenericProvider) readCPUInfo() (CPUInfo, error) {
	data, err := os.ReadFile(filepath.Join(p.procRoot, "cpuinfo"))
	if err != nil {
		return CPUInfo{}, err
	}
	info := CPUInfo{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "processor":
			info.Count++
		case "model name":
			if info.ModelName == "" {
				info.ModelName = value
			}
		case "vendor_id":
			if info.Vendor == "" {
				info.Vendor = value
			}
		case "flags":
			if info.Flags == "" {
				info.Flags = value
			}
		}
	}
	return info, nil
}

func (p *GenericProvider) readMemoryInfo() (MemoryInfo, error) {
	data, err := os.ReadFile(filepath.Join(p.procRoot, "meminfo"))
	if err != nil {
		return MemoryInfo{}, err
	}
	info := MemoryInfo{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			info.TotalKB, _ = strconv.ParseInt(fields[1], 10, 64)
			break
		}
	}
	return info, nil
}

// listBlockDevices enumerates physical disks from sysfs, skipping
// virtual devices (loop, ram, device-mapper) that must never be erased
// by the generic path.
func (p *GenericProvider) listBlockDevices() ([]BlockDevice, error) {
	entries, err := os.ReadDir(filepath.Join(p.sysRoot, "block"))
	if err != nil {
		return nil, err
	}

	var devices []BlockDevice
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "loop") ||
			strings.HasPrefix(name, "ram") ||
			strings.HasPrefix(name, "dm-") ||
			strings.HasPrefix(name, "zram") {
			continue
		}
		dev := BlockDevice{Name: name}

		if raw, err := os.ReadFile(filepath.Join(p.sysRoot, "block", name, "size")); err == nil {
			sectors, _ := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
			dev.SizeBytes = sectors * 512
		}
		if raw, err := os.ReadFile(filepath.Join(p.sysRoot, "block", name, "queue", "rotational")); err == nil {
			dev.Rotational = strings.TrimSpace(string(raw)) == "1"
		}
		if raw, err := os.ReadFile(filepath.Join(p.sysRoot, "block", name, "device", "model")); err == nil {
			dev.Model = strings.TrimSpace(string(raw))
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func (p *GenericProvider) listInterfaces() ([]NetworkInterface, error) {
	entries, err := os.ReadDir(filepath.Join(p.sysRoot, "class", "net"))
	if err != nil {
		return nil, err
	}

	var ifaces []NetworkInterface
	for _, entry := range entries {
		name := entry.Name()
		if name == "lo" {
			continue
		}
		iface := NetworkInterface{Name: name}
		if raw, err := os.ReadFile(filepath.Join(p.sysRoot, "class", "net", name, "address")); err == nil {
			iface.MACAddress = strings.TrimSpace(string(raw))
		}
		if raw, err := os.ReadFile(filepath.Join(p.sysRoot, "class", "net", name, "operstate")); err == nil {
			iface.State = strings.TrimSpace(string(raw))
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

func (p *GenericProvider) readSystemVendor() (SystemVendor, error) {
	dmiRoot := filepath.Join(p.sysRoot, "class", "dmi", "id")
	vendor := SystemVendor{}
	read := func(file string) string {
		raw, err := os.ReadFile(filepath.Join(dmiRoot, file))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(raw))
	}
	vendor.Manufacturer = read("sys_vendor")
	vendor.ProductName = read("product_name")
	vendor.SerialNumber = read("product_serial")
	if vendor.Manufacturer == "" && vendor.ProductName == "" {
		return vendor, fmt.Errorf("dmi information unavailable")
	}
	return vendor, nil
}
