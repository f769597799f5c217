// Package multiboot parses the multiboot2 information structure that the boot
// loader hands to the kernel and provides a builder the hosted loader uses to
// assemble it.
package multiboot

import (
	"encoding/binary"
	"strings"
)

var (
	infoData  []byte
	cmdLineKV map[string]string
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the total_size/reserved header that
	// precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size header of each tag.
	tagHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24

	// elfSectionSize is the size of an elfSection64 record.
	elfSectionSize = 64
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor defies a visitor function that gets invoked by VisitElfSections
// for rach ELF section that belongs to the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// SetInfo updates the multiboot information block that the package functions
// operate on. This function must be invoked before invoking any other function
// exported by this package.
func SetInfo(data []byte) {
	infoData = data
	cmdLineKV = nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	payload := findTagByType(tagMemoryMap)
	if len(payload) < 8 {
		return
	}

	// The payload starts with the memory map header (2 dwords long)
	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for cur := 8; cur+entrySize <= len(payload); cur += entrySize {
		entry.PhysAddress = binary.LittleEndian.Uint64(payload[cur:])
		entry.Length = binary.LittleEndian.Uint64(payload[cur+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(payload[cur+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitElfSections invokes visitor for each ELF entry that belongs to the
// loaded kernel image.
//
// The tag payload starts with the section count, the section record size and
// the index of the string table section. The string table address is an
// offset into the tag payload.
func VisitElfSections(visitor ElfSectionVisitor) {
	payload := findTagByType(tagElfSymbols)
	if len(payload) < 12 {
		return
	}

	var (
		numSections   = int(binary.LittleEndian.Uint32(payload))
		sectionSize   = int(binary.LittleEndian.Uint32(payload[4:]))
		strtabIndex   = int(binary.LittleEndian.Uint32(payload[8:]))
		sectionData   = payload[12:]
		sectionRecord = func(index int) []byte {
			return sectionData[index*sectionSize : (index+1)*sectionSize]
		}
	)

	if sectionSize < elfSectionSize || len(sectionData) < numSections*sectionSize || strtabIndex >= numSections {
		return
	}

	strtab := sectionRecord(strtabIndex)
	strtabStart := binary.LittleEndian.Uint64(strtab[16:])
	strtabSize := binary.LittleEndian.Uint64(strtab[32:])
	if strtabStart+strtabSize > uint64(len(payload)) {
		return
	}
	strTable := payload[strtabStart : strtabStart+strtabSize]

	for secIndex := 0; secIndex < numSections; secIndex++ {
		if secIndex == strtabIndex {
			continue
		}

		secData := sectionRecord(secIndex)
		size := binary.LittleEndian.Uint64(secData[32:])
		if size == 0 {
			continue
		}

		// String table entries are C-style NULL-terminated strings
		nameIndex := int(binary.LittleEndian.Uint32(secData))
		if nameIndex >= len(strTable) {
			continue
		}
		end := nameIndex
		for ; end < len(strTable) && strTable[end] != 0; end++ {
		}

		visitor(
			string(strTable[nameIndex:end]),
			ElfSectionFlag(binary.LittleEndian.Uint64(secData[8:])),
			uintptr(binary.LittleEndian.Uint64(secData[16:])),
			size,
		)
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	payload := findTagByType(tagBootCmdLine)
	if len(payload) != 0 {
		// The command line is a C-style NULL-terminated string
		cmdLine := strings.TrimRight(string(payload), "\x00")
		for _, pair := range strings.Fields(cmdLine) {
			kv := strings.SplitN(pair, "=", 2)
			switch len(kv) {
			case 2: // foo=bar
				cmdLineKV[kv[0]] = kv[1]
			case 1: // nofoo
				cmdLineKV[kv[0]] = kv[0]
			}
		}
	}

	return cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the tag contents excluding the tag header or nil
// if the tag is not present in the multiboot info.
func findTagByType(want tagType) []byte {
	if len(infoData) < infoHeaderSize {
		return nil
	}

	totalSize := int(binary.LittleEndian.Uint32(infoData))
	if totalSize > len(infoData) {
		totalSize = len(infoData)
	}

	for cur := infoHeaderSize; cur+tagHeaderSize <= totalSize; {
		curType := tagType(binary.LittleEndian.Uint32(infoData[cur:]))
		size := int(binary.LittleEndian.Uint32(infoData[cur+4:]))
		if curType == tagMbSectionEnd || size < tagHeaderSize || cur+size > totalSize {
			return nil
		}

		if curType == want {
			return infoData[cur+tagHeaderSize : cur+size]
		}

		// Tags are aligned at 8-byte aligned addresses
		cur += (size + 7) &^ 7
	}

	return nil
}
