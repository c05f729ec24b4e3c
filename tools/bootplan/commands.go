package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/AbleOS/sovos/efi"
	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/kernel/gate"
	"github.com/AbleOS/sovos/kernel/loader"
	"github.com/AbleOS/sovos/kernel/trampoline"
	"github.com/AbleOS/sovos/tools/bootplan/hostmem"
	"github.com/AbleOS/sovos/tools/bootplan/sim"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// output is embedded by commands that print a report.
type output struct {
	out io.Writer
}

func (o *output) writer() io.Writer {
	if o.out == nil {
		return os.Stdout
	}
	return o.out
}

// machineFlags override the machine section of the config.
type machineFlags struct {
	memory, controlBlock, kernelImage, switchCode uint64
}

func (m *machineFlags) register(f *flag.FlagSet) {
	f.Uint64Var(&m.memory, "memory", 0, "simulated physical memory size in bytes.")
	f.Uint64Var(&m.controlBlock, "control-block", 0, "physical address of the control block.")
	f.Uint64Var(&m.kernelImage, "kernel-image", 0, "physical address the raw kernel image is loaded at.")
	f.Uint64Var(&m.switchCode, "switch-code", 0, "address of the code that loads the new root table.")
}

func (m *machineFlags) apply(c *config) error {
	if m.memory != 0 {
		c.Memory.Size = m.memory
	}
	if m.controlBlock != 0 {
		c.Memory.ControlBlock = m.controlBlock
	}
	if m.kernelImage != 0 {
		c.Memory.KernelImage = m.kernelImage
	}
	if m.switchCode != 0 {
		c.SwitchCode = m.switchCode
	}
	return c.validate()
}

func commandArgs(args []any) (*config, *logrus.Logger) {
	return args[0].(*config), args[1].(*logrus.Logger)
}

func parseImage(path string) (elf.Image, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return elf.Image{}, nil, err
	}
	img, kerr := elf.Parse(data)
	if kerr != nil {
		return elf.Image{}, nil, fmt.Errorf("%s: [%s] %w", path, kerr.Module, kerr)
	}
	return img, data, nil
}

// boot runs the boot sequence for the image at path on a machine built from
// c. The returned memory backs the result and must be closed by the caller.
func boot(c *config, path string) (*sim.Result, *hostmem.Memory, error) {
	_, data, err := parseImage(path)
	if err != nil {
		return nil, nil, err
	}

	mem, err := hostmem.New(c.Memory.Size)
	if err != nil {
		return nil, nil, err
	}

	m := sim.Machine{
		Mem:          mem,
		ControlBlock: c.Memory.ControlBlock,
		KernelImage:  c.Memory.KernelImage,
		Regions:      c.regions(),
		Runtime:      efi.RuntimeServices(c.Memory.RuntimeServices),
	}
	res, err := m.Boot(data)
	if err != nil {
		mem.Close()
		return nil, nil, err
	}
	return res, mem, nil
}

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	output
}

// Name implements subcommands.Command.
func (*Inspect) Name() string { return "inspect" }

// Synopsis implements subcommands.Command.
func (*Inspect) Synopsis() string {
	return "prints the ELF header and program headers of a kernel image"
}

// Usage implements subcommands.Command.
func (*Inspect) Usage() string { return "inspect <kernel.elf>\n" }

// SetFlags implements subcommands.Command.
func (*Inspect) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (i *Inspect) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, log := commandArgs(args)

	img, _, err := parseImage(f.Arg(0))
	if err != nil {
		log.WithError(err).Error("invalid kernel image")
		return subcommands.ExitFailure
	}

	if err := writeReport(i.writer(), conf.Format, newInspectReport(img)); err != nil {
		log.WithError(err).Error("writing report")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Plan implements subcommands.Command for the "plan" command.
type Plan struct {
	output
}

// Name implements subcommands.Command.
func (*Plan) Name() string { return "plan" }

// Synopsis implements subcommands.Command.
func (*Plan) Synopsis() string {
	return "classifies the segments of a kernel image into its text, rodata and data windows"
}

// Usage implements subcommands.Command.
func (*Plan) Usage() string { return "plan <kernel.elf>\n" }

// SetFlags implements subcommands.Command.
func (*Plan) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (p *Plan) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, log := commandArgs(args)

	img, _, err := parseImage(f.Arg(0))
	if err != nil {
		log.WithError(err).Error("invalid kernel image")
		return subcommands.ExitFailure
	}

	layout, kerr := loader.Plan(img)
	if kerr != nil {
		log.WithField("module", kerr.Module).WithError(kerr).Error("planning kernel layout")
		return subcommands.ExitFailure
	}

	if err := writeReport(p.writer(), conf.Format, newPlanReport(layout, nil)); err != nil {
		log.WithError(err).Error("writing report")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Map implements subcommands.Command for the "map" command.
type Map struct {
	output
	machine machineFlags
}

// Name implements subcommands.Command.
func (*Map) Name() string { return "map" }

// Synopsis implements subcommands.Command.
func (*Map) Synopsis() string {
	return "loads a kernel image into simulated memory and dumps the resulting page tables"
}

// Usage implements subcommands.Command.
func (*Map) Usage() string { return "map [flags] <kernel.elf>\n" }

// SetFlags implements subcommands.Command.
func (m *Map) SetFlags(f *flag.FlagSet) { m.machine.register(f) }

// Execute implements subcommands.Command.
func (m *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, log := commandArgs(args)
	if err := m.machine.apply(conf); err != nil {
		log.WithError(err).Error("invalid configuration")
		return subcommands.ExitUsageError
	}

	res, mem, err := boot(conf, f.Arg(0))
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer mem.Close()

	if err := writeReport(m.writer(), conf.Format, newMapReport(res)); err != nil {
		log.WithError(err).Error("writing report")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	output
	machine machineFlags

	secondFault bool
	dataFault   bool
	noNX        bool
}

// Name implements subcommands.Command.
func (*Simulate) Name() string { return "simulate" }

// Synopsis implements subcommands.Command.
func (*Simulate) Synopsis() string {
	return "runs the boot sequence including the address space switch on a simulated processor"
}

// Usage implements subcommands.Command.
func (*Simulate) Usage() string { return "simulate [flags] <kernel.elf>\n" }

// SetFlags implements subcommands.Command.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	s.machine.register(f)
	f.BoolVar(&s.secondFault, "second-fault", false, "deliver another page fault after the kernel entry point was reached.")
	f.BoolVar(&s.dataFault, "data-fault", false, "make the fault following the switch a data access instead of an instruction fetch.")
	f.BoolVar(&s.noNX, "no-nx", false, "simulate a processor without no-execute support.")
}

// Execute implements subcommands.Command.
func (s *Simulate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, log := commandArgs(args)
	if err := s.machine.apply(conf); err != nil {
		log.WithError(err).Error("invalid configuration")
		return subcommands.ExitUsageError
	}

	res, mem, err := boot(conf, f.Arg(0))
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer mem.Close()

	r := s.run(res, conf.SwitchCode)
	if err := writeReport(s.writer(), conf.Format, r); err != nil {
		log.WithError(err).Error("writing report")
		return subcommands.ExitFailure
	}

	if res.State() != trampoline.NewMappingActive {
		log.WithField("state", res.State().String()).Error("kernel entry point not reached")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type pageFault struct {
	code gate.PageFaultCode
	addr uint64
}

func (s *Simulate) run(res *sim.Result, switchCode uint64) *simulateReport {
	r := &simulateReport{Map: newMapReport(res)}
	defer func() { r.State = res.State().String() }()

	cpu := &sim.CPU{SwitchCode: switchCode, NoNX: s.noNX}
	if err := res.Switch(cpu); err != nil {
		r.Error = err.Error()
		return r
	}
	r.CPU = &cpuReport{
		Events:   cpu.Events,
		GDTR:     hex(cpu.GDTR),
		IDTR:     hex(cpu.IDTR),
		StackTop: hex(cpu.StackTop),
		Root:     hex(cpu.Root),
	}

	// The first instruction after the root table load is fetched from an
	// address that is not mapped any more.
	faults := []pageFault{{gate.FaultInstructionFetch, switchCode}}
	if s.dataFault {
		faults[0].code = gate.FaultWrite
	}
	if s.secondFault {
		faults = append(faults, pageFault{gate.FaultInstructionFetch | gate.FaultProtection, res.Kernel.Entry})
	}

	for _, fault := range faults {
		fr := faultReport{Addr: hex(fault.addr), Code: hex(fault.code)}
		resume, err := res.Fault(fault.code, fault.addr)
		switch {
		case errors.Is(err, trampoline.ErrUnexpectedFault):
			fr.Error = err.Error()
		case err != nil:
			r.Error = err.Error()
		default:
			h := hex(resume)
			fr.Resume = &h
		}
		fr.State = res.State().String()
		r.Faults = append(r.Faults, fr)
		if res.State() == trampoline.Halted {
			break
		}
	}
	return r
}
