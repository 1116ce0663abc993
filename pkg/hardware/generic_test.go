package hardware

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// fakeSysfs builds a minimal /sys and /proc tree under a temp dir.
func fakeSysfs(t *testing.T, disks map[string]string) (sysRoot, procRoot string) {
	t.Helper()
	root := t.TempDir()
	sysRoot = filepath.Join(root, "sys")
	procRoot = filepath.Join(root, "proc")

	for name, size := range disks {
		dir := filepath.Join(sysRoot, "block", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "size"), []byte(size+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(sysRoot, "block"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(procRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	cpuinfo := strings.Join([]string{
		"processor\t: 0",
		"vendor_id\t: GenuineIntel",
		"model name\t: Intel(R) Xeon(R) CPU E5-2620",
		"flags\t\t: fpu vme sse sse2",
		"",
		"processor\t: 1",
		"model name\t: Intel(R) Xeon(R) CPU E5-2620",
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(procRoot, "cpuinfo"), []byte(cpuinfo), 0o644); err != nil {
		t.Fatal(err)
	}
	meminfo := "MemTotal:       16384256 kB\nMemFree:         1234567 kB\n"
	if err := os.WriteFile(filepath.Join(procRoot, "meminfo"), []byte(meminfo), 0o644); err != nil {
		t.Fatal(err)
	}
	return sysRoot, procRoot
}

// recordingRunner captures external commands instead of executing them.
type recordingRunner struct {
	commands [][]string
	err      error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.commands = append(r.commands, append([]string{name}, args...))
	return []byte("ok"), r.err
}

func TestGenericProviderSupportsAnyLinuxMachine(t *testing.T) {
	sysRoot, procRoot := fakeSysfs(t, map[string]string{"sda": "1000"})
	p := NewGenericProvider(sysRoot, procRoot, nil, zerolog.Nop())

	level, err := p.EvaluateSupport(context.Background())
	if err != nil {
		t.Fatalf("EvaluateSupport: %v", err)
	}
	if level != SupportGeneric {
		t.Fatalf("support = %s, want generic", level)
	}
}

func TestGenericProviderNoSysfs(t *testing.T) {
	p := NewGenericProvider(filepath.Join(t.TempDir(), "missing"), "", nil, zerolog.Nop())

	level, err := p.EvaluateSupport(context.Background())
	if err == nil {
		t.Fatal("expected probe error without sysfs")
	}
	if level != SupportNone {
		t.Fatalf("support = %s, want none", level)
	}
}

func TestGenericPingEchoesParams(t *testing.T) {
	sysRoot, procRoot := fakeSysfs(t, nil)
	p := NewGenericProvider(sysRoot, procRoot, nil, zerolog.Nop())

	result, err := p.ops[OpPing].Handler(context.Background(), Params{"token": "abc"})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	echo, ok := result.(Params)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if tok, _ := echo.String("token"); tok != "abc" {
		t.Fatalf("token = %q", tok)
	}
}

func TestGenericInventory(t *testing.T) {
	sysRoot, procRoot := fakeSysfs(t, map[string]string{"sda": "2097152"})
	p := NewGenericProvider(sysRoot, procRoot, nil, zerolog.Nop())

	result, err := p.ops[OpCollectInventory].Handler(context.Background(), nil)
	if err != nil {
		t.Fatalf("collect_inventory: %v", err)
	}
	fragment, ok := result.(InventoryFragment)
	if !ok {
		t.Fatalf("result type %T", result)
	}

	cpu, ok := fragment[SectionCPU].(CPUInfo)
	if !ok {
		t.Fatalf("cpu section = %v", fragment[SectionCPU])
	}
	if cpu.Count != 2 {
		t.Errorf("cpu count = %d, want 2", cpu.Count)
	}
	if cpu.ModelName != "Intel(R) Xeon(R) CPU E5-2620" {
		t.Errorf("model = %q", cpu.ModelName)
	}

	mem, ok := fragment[SectionMemory].(MemoryInfo)
	if !ok || mem.TotalKB != 16384256 {
		t.Errorf("memory section = %v", fragment[SectionMemory])
	}

	devices, ok := fragment[SectionBlockDevices].([]BlockDevice)
	if !ok || len(devices) != 1 {
		t.Fatalf("block devices = %v", fragment[SectionBlockDevices])
	}
	if devices[0].Name != "sda" || devices[0].SizeBytes != 2097152*512 {
		t.Errorf("sda = %+v", devices[0])
	}
}

func TestGenericListBlockDevicesSkipsVirtual(t *testing.T) {
	sysRoot, procRoot := fakeSysfs(t, map[string]string{
		"sda":   "1000",
		"nvme0": "2000",
		"loop0": "100",
		"ram0":  "100",
		"dm-0":  "100",
		"zram0": "100",
	})
	p := NewGenericProvider(sysRoot, procRoot, nil, zerolog.Nop())

	devices, err := p.listBlockDevices()
	if err != nil {
		t.Fatalf("listBlockDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2: %v", len(devices), devices)
	}
	for _, d := range devices {
		if d.Name != "sda" && d.Name != "nvme0" {
			t.Errorf("virtual device %q not skipped", d.Name)
		}
	}
}

func TestGenericEraseDevicesMetadata(t *testing.T) {
	sysRoot, procRoot := fakeSysfs(t, map[string]string{"sda": "1000", "sdb": "1000"})
	runner := &recordingRunner{}
	p := NewGenericProvider(sysRoot, procRoot, runner.run, zerolog.Nop())

	var last Progress
	ctx := WithProgress(context.Background(), func(pr Progress) { last = pr })

	result, err := p.ops[OpEraseDevicesMeta].Handler(ctx, nil)
	if err != nil {
		t.Fatalf("erase_devices_metadata: %v", err)
	}
	erased, ok := result.(map[string]string)
	if !ok || len(erased) != 2 {
		t.Fatalf("result = %v", result)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("ran %d commands, want 2", len(runner.commands))
	}
	for _, cmd := range runner.commands {
		if cmd[0] != "wipefs" || cmd[1] != "-a" {
			t.Fatalf("unexpected command %v", cmd)
		}
	}
	if last.Percent != 100 {
		t.Fatalf("final progress = %v, want 100", last.Percent)
	}
}

func TestGenericEraseDevicesMetadataNoDevices(t *testing.T) {
	sysRoot, procRoot := fakeSysfs(t, nil)
	p := NewGenericProvider(sysRoot, procRoot, (&recordingRunner{}).run, zerolog.Nop())

	_, err := p.ops[OpEraseDevicesMeta].Handler(context.Background(), nil)
	if !IsNotApplicable(err) {
		t.Fatalf("err = %v, want not-applicable signal", err)
	}
}

func TestGenericWriteImageValidatesArgs(t *testing.T) {
	sysRoot, procRoot := fakeSysfs(t, nil)
	runner := &recordingRunner{}
	p := NewGenericProvider(sysRoot, procRoot, runner.run, zerolog.Nop())

	if _, err := p.ops[OpWriteImage].Handler(context.Background(), Params{
		"device": "/dev/sda",
	}); err == nil {
		t.Fatal("missing image_path accepted")
	}

	image := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(image, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	result, err := p.ops[OpWriteImage].Handler(context.Background(), Params{
		"image_path": image,
		"device":     "/dev/sda",
	})
	if err != nil {
		t.Fatalf("write_image: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok || out["bytes_written"].(int64) != int64(len("payload")) {
		t.Fatalf("result = %v", result)
	}
	if len(runner.commands) != 1 || runner.commands[0][0] != "dd" {
		t.Fatalf("commands = %v", runner.commands)
	}
}

func TestGenericStepDeclarations(t *testing.T) {
	sysRoot, procRoot := fakeSysfs(t, nil)
	p := NewGenericProvider(sysRoot, procRoot, nil, zerolog.Nop())

	clean := p.Steps(CategoryClean)
	if len(clean) != 1 || clean[0].Step != OpEraseDevicesMeta || clean[0].Priority != 99 {
		t.Fatalf("clean steps = %+v", clean)
	}
	if !clean[0].Abortable {
		t.Error("erase_devices_metadata should be abortable")
	}

	deploy := p.Steps(CategoryDeploy)
	if len(deploy) != 1 || deploy[0].Step != OpWriteImage {
		t.Fatalf("deploy steps = %+v", deploy)
	}
	if !deploy[0].RebootRequested {
		t.Error("write_image should request a reboot")
	}
	if !deploy[0].ArgsInfo["image_path"].Required || !deploy[0].ArgsInfo["device"].Required {
		t.Error("write_image args should be required")
	}

	service := p.Steps(CategoryService)
	if len(service) != 1 || service[0].Step != OpBurninCPU || service[0].Priority != 0 {
		t.Fatalf("service steps = %+v", service)
	}

	// Declared async steps must map to declared async operations.
	for _, name := range []string{OpEraseDevicesMeta, OpWriteImage, OpBurninCPU} {
		op, ok := p.Operations()[name]
		if !ok || !op.Async {
			t.Errorf("%s should be a declared async operation", name)
		}
	}
}
