package main

import (
	"fmt"
	"strings"

	"github.com/AbleOS/sovos/efi"
	"github.com/AbleOS/sovos/kernel/mm"
	"github.com/AbleOS/sovos/tools/bootplan/sim"
	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// config is the configuration of the simulated machine and of the tool
// output. Every field can be overridden on the command line.
type config struct {
	// LogLevel is a logrus level name. Boot diagnostics are logged at the
	// info level.
	LogLevel string `toml:"log_level"`

	// Format selects the report encoding: "text" or "yaml".
	Format string `toml:"format"`

	Memory memoryConfig `toml:"memory"`

	// SwitchCode is the address of the firmware code that loads the new
	// root table. It must not be mapped in the new address space.
	SwitchCode uint64 `toml:"switch_code"`
}

type memoryConfig struct {
	// Size of the simulated physical memory in bytes.
	Size uint64 `toml:"size"`

	// Physical addresses of the control block and of the raw kernel
	// image.
	ControlBlock uint64 `toml:"control_block"`
	KernelImage  uint64 `toml:"kernel_image"`

	// RuntimeServices is the simulated runtime services table address.
	RuntimeServices uint64 `toml:"runtime_services"`

	// Regions is the firmware memory map. If empty, the first 2 MiB are
	// reported as loader data and the rest as conventional memory.
	Regions []regionConfig `toml:"region"`
}

type regionConfig struct {
	Type  string `toml:"type"`
	Start uint64 `toml:"start"`
	Pages uint64 `toml:"pages"`
}

func defaultConfig() config {
	return config{
		LogLevel: "warning",
		Format:   "text",
		Memory: memoryConfig{
			Size:            64 * mm.Mb,
			ControlBlock:    0x3e00000,
			KernelImage:     0x80000,
			RuntimeServices: 0x7000,
		},
		SwitchCode: 0x7fe01000,
	}
}

// loadConfig returns the defaults overlaid with the contents of the TOML
// file at path. An empty path selects the defaults.
func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	if path == "" {
		return &c, nil
	}

	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("loading config %q: unknown key %q", path, undecoded[0].String())
	}
	return &c, nil
}

func (c *config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Format {
	case "text", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", c.Format)
	}
	if c.Memory.Size < 2*mm.MegapageSize {
		return fmt.Errorf("simulated memory must be at least %d bytes; got %d", 2*mm.MegapageSize, c.Memory.Size)
	}
	for i, r := range c.Memory.Regions {
		if _, ok := parseMemoryType(r.Type); !ok {
			return fmt.Errorf("region %d: unknown memory type %q", i, r.Type)
		}
	}
	return nil
}

// regions returns the simulated memory map.
func (c *config) regions() []sim.Region {
	if len(c.Memory.Regions) == 0 {
		loaderPages := uint64(mm.MegapageSize / mm.PageSize)
		return []sim.Region{
			{Type: efi.LoaderData, Start: 0, Pages: loaderPages},
			{Type: efi.ConventionalMemory, Start: mm.MegapageSize, Pages: c.Memory.Size/mm.PageSize - loaderPages},
		}
	}

	regions := make([]sim.Region, 0, len(c.Memory.Regions))
	for _, r := range c.Memory.Regions {
		typ, _ := parseMemoryType(r.Type)
		regions = append(regions, sim.Region{Type: typ, Start: r.Start, Pages: r.Pages})
	}
	return regions
}

// parseMemoryType accepts the names printed for memory types in any case,
// with either spaces or underscores between words.
func parseMemoryType(name string) (efi.MemoryType, bool) {
	name = strings.ReplaceAll(name, "_", " ")
	for t := efi.ReservedMemory; t <= efi.PersistentMemory; t++ {
		if strings.EqualFold(t.String(), name) {
			return t, true
		}
	}
	return 0, false
}
