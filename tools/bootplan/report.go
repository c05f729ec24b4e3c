package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/kernel/bootinfo"
	"github.com/AbleOS/sovos/kernel/kfmt"
	"github.com/AbleOS/sovos/kernel/loader"
	"github.com/AbleOS/sovos/kernel/mm/vmm"
	"github.com/AbleOS/sovos/tools/bootplan/sim"
	"gopkg.in/yaml.v3"
)

// hex is encoded as a hexadecimal integer in YAML reports.
type hex uint64

// MarshalYAML implements yaml.Marshaler.
func (h hex) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: h.String()}, nil
}

func (h hex) String() string { return fmt.Sprintf("0x%x", uint64(h)) }

type report interface {
	writeText(w io.Writer) error
}

// writeReport encodes r to w in the given format.
func writeReport(w io.Writer, format string, r report) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	}
	return r.writeText(w)
}

// indent returns a writer that indents every line written to w.
func indent(w io.Writer) io.Writer {
	return &kfmt.PrefixWriter{Sink: w, Prefix: []byte("  ")}
}

type headerReport struct {
	Class    string `yaml:"class"`
	Data     string `yaml:"data"`
	OsAbi    string `yaml:"os_abi"`
	Type     string `yaml:"type"`
	Machine  string `yaml:"machine"`
	Entry    hex    `yaml:"entry"`
	Segments int    `yaml:"program_headers"`
	Sections int    `yaml:"section_headers"`
}

type segmentReport struct {
	Index    int    `yaml:"index"`
	Type     string `yaml:"type"`
	Flags    string `yaml:"flags"`
	Offset   hex    `yaml:"offset"`
	VirtAddr hex    `yaml:"virt_addr"`
	FileSize hex    `yaml:"file_size"`
	MemSize  hex    `yaml:"mem_size"`
	Align    hex    `yaml:"align"`
}

type inspectReport struct {
	Header   headerReport    `yaml:"header"`
	Segments []segmentReport `yaml:"segments"`
}

func newInspectReport(img elf.Image) *inspectReport {
	hdr := img.Header()
	r := &inspectReport{
		Header: headerReport{
			Class:    hdr.Ident.Class.String(),
			Data:     hdr.Ident.Data.String(),
			OsAbi:    hdr.Ident.OsAbi.String(),
			Type:     hdr.Type.String(),
			Machine:  hdr.Machine.String(),
			Entry:    hex(hdr.Entry),
			Segments: img.NumProgramHeaders(),
			Sections: img.NumSectionHeaders(),
		},
	}

	img.VisitProgramHeaders(func(index int, ph *elf.ProgramHeader) bool {
		r.Segments = append(r.Segments, segmentReport{
			Index:    index,
			Type:     ph.Type.String(),
			Flags:    ph.Flags.String(),
			Offset:   hex(ph.Offset),
			VirtAddr: hex(ph.VirtAddr),
			FileSize: hex(ph.FileSize),
			MemSize:  hex(ph.MemSize),
			Align:    hex(ph.Align),
		})
		return true
	})
	return r
}

func (r *inspectReport) writeText(w io.Writer) error {
	h := r.Header
	fmt.Fprintf(w, "ELF header:\n")
	fmt.Fprintf(indent(w), "class:   %s\ndata:    %s\nos/abi:  %s\ntype:    %s\nmachine: %s\nentry:   %s\n",
		h.Class, h.Data, h.OsAbi, h.Type, h.Machine, h.Entry)
	fmt.Fprintf(w, "\nProgram headers (%d):\n", h.Segments)

	tw := tabwriter.NewWriter(indent(w), 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tTYPE\tFLAGS\tOFFSET\tVIRTADDR\tFILESIZE\tMEMSIZE\tALIGN\n")
	for _, s := range r.Segments {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.Index, s.Type, s.Flags, s.Offset, s.VirtAddr, s.FileSize, s.MemSize, s.Align)
	}
	return tw.Flush()
}

type windowReport struct {
	Kind      string `yaml:"kind"`
	Start     hex    `yaml:"start"`
	End       hex    `yaml:"end"`
	Megapages uint64 `yaml:"megapages"`

	// Frames is the physical start of the window, once loaded.
	Frames *hex `yaml:"frames,omitempty"`
}

type planReport struct {
	Entry     hex            `yaml:"entry"`
	Megapages uint64         `yaml:"megapages"`
	Windows   []windowReport `yaml:"windows"`
}

func newPlanReport(layout loader.Layout, k *loader.Kernel) *planReport {
	r := &planReport{Entry: hex(layout.Entry), Megapages: layout.Megapages()}
	for kind := loader.TextWindow; kind <= loader.DataWindow; kind++ {
		win := layout.Window(kind)
		wr := windowReport{
			Kind:      kind.String(),
			Start:     hex(win.Start),
			End:       hex(win.End()),
			Megapages: win.Megapages,
		}
		if k != nil && !k.Frames[kind].IsEmpty() {
			frames := hex(k.Frames[kind].Addr)
			wr.Frames = &frames
		}
		r.Windows = append(r.Windows, wr)
	}
	return r
}

func (r *planReport) writeText(w io.Writer) error {
	fmt.Fprintf(w, "Kernel layout: entry %s, %d megapages\n", r.Entry, r.Megapages)

	tw := tabwriter.NewWriter(indent(w), 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "WINDOW\tSTART\tEND\tMEGAPAGES\tFRAMES\n")
	for _, win := range r.Windows {
		frames := "-"
		if win.Frames != nil {
			frames = win.Frames.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", win.Kind, win.Start, win.End, win.Megapages, frames)
	}
	return tw.Flush()
}

type regionReport struct {
	Type  string `yaml:"type"`
	Start hex    `yaml:"start"`
	End   hex    `yaml:"end"`
}

type mappingReport struct {
	Virt  hex    `yaml:"virt"`
	Phys  hex    `yaml:"phys"`
	Size  hex    `yaml:"size"`
	Flags string `yaml:"flags"`
}

func mappingFlags(m vmm.Mapping) string {
	flags := []byte("r--")
	if m.Writable {
		flags[1] = 'w'
	}
	if m.Executable {
		flags[2] = 'x'
	}
	if m.Global {
		flags = append(flags, 'g')
	}
	return string(flags)
}

type mapReport struct {
	ControlBlock hex             `yaml:"control_block"`
	Root         hex             `yaml:"root"`
	MemoryMap    []regionReport  `yaml:"memory_map"`
	Plan         *planReport     `yaml:"plan"`
	Mappings     []mappingReport `yaml:"mappings"`
}

func newMapReport(res *sim.Result) *mapReport {
	bi := res.BootInfo
	r := &mapReport{
		ControlBlock: hex(bi.This),
		Root:         hex(bi.RootPhys()),
		Plan:         newPlanReport(res.Layout, &res.Kernel),
	}

	for i := 0; i < bi.MemoryMap.Len(); i++ {
		desc := bi.MemoryMap.At(i)
		r.MemoryMap = append(r.MemoryMap, regionReport{
			Type:  desc.Type.String(),
			Start: hex(desc.PhysicalStart),
			End:   hex(desc.End()),
		})
	}

	bi.VisitMappings(func(virtAddr uintptr, m vmm.Mapping) bool {
		r.Mappings = append(r.Mappings, mappingReport{
			Virt:  hex(virtAddr),
			Phys:  hex(m.Phys),
			Size:  hex(m.PageSize),
			Flags: mappingFlags(m),
		})
		return true
	})
	return r
}

func (r *mapReport) writeText(w io.Writer) error {
	fmt.Fprintf(w, "Control block at %s (%d pages), root table %s\n", r.ControlBlock, bootinfo.Pages, r.Root)

	fmt.Fprintf(w, "\nMemory map:\n")
	tw := tabwriter.NewWriter(indent(w), 0, 0, 2, ' ', 0)
	for _, region := range r.MemoryMap {
		fmt.Fprintf(tw, "[%s - %s)\t%s\n", region.Start, region.End, region.Type)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	if err := r.Plan.writeText(w); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nMappings (%d):\n", len(r.Mappings))
	tw = tabwriter.NewWriter(indent(w), 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "VIRT\tPHYS\tSIZE\tFLAGS\n")
	for _, m := range r.Mappings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Virt, m.Phys, m.Size, m.Flags)
	}
	return tw.Flush()
}

type cpuReport struct {
	Events   []string `yaml:"events"`
	GDTR     hex      `yaml:"gdtr"`
	IDTR     hex      `yaml:"idtr"`
	StackTop hex      `yaml:"stack_top"`
	Root     hex      `yaml:"root"`
}

type faultReport struct {
	Addr   hex    `yaml:"addr"`
	Code   hex    `yaml:"code"`
	Resume *hex   `yaml:"resume,omitempty"`
	Error  string `yaml:"error,omitempty"`
	State  string `yaml:"state"`
}

type simulateReport struct {
	Map    *mapReport    `yaml:"map"`
	CPU    *cpuReport    `yaml:"cpu,omitempty"`
	Faults []faultReport `yaml:"faults,omitempty"`
	Error  string        `yaml:"error,omitempty"`
	State  string        `yaml:"state"`
}

func (r *simulateReport) writeText(w io.Writer) error {
	if err := r.Map.writeText(w); err != nil {
		return err
	}

	if r.CPU != nil {
		fmt.Fprintf(w, "\nProcessor:\n")
		fmt.Fprintf(indent(w), "events:    %v\ngdtr:      %s\nidtr:      %s\nstack top: %s\nroot:      %s\n",
			r.CPU.Events, r.CPU.GDTR, r.CPU.IDTR, r.CPU.StackTop, r.CPU.Root)
	}

	if len(r.Faults) != 0 {
		fmt.Fprintf(w, "\nPage faults:\n")
		tw := tabwriter.NewWriter(indent(w), 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "#\tADDR\tCODE\tOUTCOME\tSTATE\n")
		for i, f := range r.Faults {
			outcome := f.Error
			if f.Resume != nil {
				outcome = "resume at " + f.Resume.String()
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, f.Addr, f.Code, outcome, f.State)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if r.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", r.Error)
	}
	_, err := fmt.Fprintf(w, "\nFinal state: %s\n", r.State)
	return err
}
