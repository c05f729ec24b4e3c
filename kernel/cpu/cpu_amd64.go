package cpu

const (
	// msrEFER is the extended feature enable register.
	msrEFER = uint32(0xc0000080)

	// eferNXE enables the no-execute page protection bit.
	eferNXE = uint64(1 << 11)

	// cpuidNXBit is the EDX bit reported by extended leaf 0x80000001
	// when the processor supports no-execute pages.
	cpuidNXBit = uint32(1 << 20)
)

var (
	cpuidFn    = ID
	readMSRFn  = ReadMSR
	writeMSRFn = WriteMSR
)

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution. Interrupts are disabled first so Halt
// never returns.
func Halt()

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadMSR returns the value of the requested model specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR stores value into the requested model specific register.
func WriteMSR(msr uint32, value uint64)

// LoadGDT loads the descriptor table pointer found at gdtrAddr into GDTR and
// reloads CS with codeSel and DS, ES and SS with dataSel. FS and GS are left
// untouched so that their base registers survive.
func LoadGDT(gdtrAddr uintptr, codeSel, dataSel uint16)

// LoadIDT loads the descriptor table pointer found at idtrAddr into IDTR.
func LoadIDT(idtrAddr uintptr)

// SwitchStackAndPDT moves the stack pointer to stackTop, flushes all TLB
// entries (including global ones) and loads pdtPhysAddr into CR3.
//
// The function never returns: the code executing it is expected to vanish
// from the address space and the resulting page fault is what transfers
// control. If no fault occurs the CPU is halted.
func SwitchStackAndPDT(stackTop, pdtPhysAddr uintptr)

// SwitchCodeSize bounds the size of the SwitchStackAndPDT body, from its
// first instruction to the end of the halt loop that follows the CR3 load.
const SwitchCodeSize = 64

// SwitchStackAndPDTAddr returns the address of the assembly body of
// SwitchStackAndPDT. Taking the address of the Go function value instead
// yields the ABI wrapper, which is not the code running during the switch.
func SwitchStackAndPDTAddr() uintptr

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// HasNX returns true if the processor supports no-execute pages.
func HasNX() bool {
	if maxLeaf, _, _, _ := cpuidFn(0x80000000); maxLeaf < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&cpuidNXBit != 0
}

// EnableNX sets EFER.NXE so that page table entries may use the no-execute
// bit. Without it, bit 63 is reserved and any entry using it faults. The
// function returns false if the processor lacks NX support.
func EnableNX() bool {
	if !HasNX() {
		return false
	}

	if efer := readMSRFn(msrEFER); efer&eferNXE == 0 {
		writeMSRFn(msrEFER, efer|eferNXE)
	}
	return true
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
