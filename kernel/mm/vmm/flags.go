package vmm

// PML4Flags is the set of flags that are legal for a root table entry.
type PML4Flags uint64

// Flags for PML4 entries.
const (
	PML4Present        PML4Flags = flagPresent
	PML4Writable       PML4Flags = flagWritable
	PML4UserAccessible PML4Flags = flagUserAccessible
	PML4WriteThrough   PML4Flags = flagWriteThrough
	PML4CacheDisabled  PML4Flags = flagCacheDisabled
	PML4Accessed       PML4Flags = flagAccessed
	PML4NoExecute      PML4Flags = flagNoExecute
)

// PDPFlags is the set of flags that are legal for a PDP entry pointing to
// a page directory.
type PDPFlags uint64

// Flags for PDP entries.
const (
	PDPPresent        PDPFlags = flagPresent
	PDPWritable       PDPFlags = flagWritable
	PDPUserAccessible PDPFlags = flagUserAccessible
	PDPWriteThrough   PDPFlags = flagWriteThrough
	PDPCacheDisabled  PDPFlags = flagCacheDisabled
	PDPAccessed       PDPFlags = flagAccessed
	PDPNoExecute      PDPFlags = flagNoExecute
)

// PDFlags is the set of flags that are legal for a page directory entry.
// Dirty and Global only have a meaning when LargePage is set.
type PDFlags uint64

// Flags for PD entries.
const (
	PDPresent        PDFlags = flagPresent
	PDWritable       PDFlags = flagWritable
	PDUserAccessible PDFlags = flagUserAccessible
	PDWriteThrough   PDFlags = flagWriteThrough
	PDCacheDisabled  PDFlags = flagCacheDisabled
	PDAccessed       PDFlags = flagAccessed
	PDDirty          PDFlags = flagDirty
	PDLargePage      PDFlags = flagLargePage
	PDGlobal         PDFlags = flagGlobal
	PDNoExecute      PDFlags = flagNoExecute
)

// PTFlags is the set of flags that are legal for a page table entry.
type PTFlags uint64

// Flags for PT entries.
const (
	PTPresent        PTFlags = flagPresent
	PTWritable       PTFlags = flagWritable
	PTUserAccessible PTFlags = flagUserAccessible
	PTWriteThrough   PTFlags = flagWriteThrough
	PTCacheDisabled  PTFlags = flagCacheDisabled
	PTAccessed       PTFlags = flagAccessed
	PTDirty          PTFlags = flagDirty
	PTGlobal         PTFlags = flagGlobal
	PTNoExecute      PTFlags = flagNoExecute
)
