package multiboot

import "encoding/binary"

// ElfSection describes a kernel image section passed to InfoBuilder.
type ElfSection struct {
	Name    string
	Flags   ElfSectionFlag
	Address uintptr
	Size    uint64
}

// InfoBuilder assembles a multiboot2 information block. It plays the role of
// the boot loader when the kernel runs hosted.
type InfoBuilder struct {
	tags []byte
}

// SetCmdLine appends a boot command line tag.
func (b *InfoBuilder) SetCmdLine(cmdLine string) *InfoBuilder {
	payload := append([]byte(cmdLine), 0)
	b.appendTag(tagBootCmdLine, payload)
	return b
}

// AddMemoryMap appends a memory map tag containing the supplied regions.
func (b *InfoBuilder) AddMemoryMap(regions []MemoryMapEntry) *InfoBuilder {
	payload := make([]byte, 8+len(regions)*mmapEntrySize)
	binary.LittleEndian.PutUint32(payload, mmapEntrySize)
	for i, region := range regions {
		entry := payload[8+i*mmapEntrySize:]
		binary.LittleEndian.PutUint64(entry, region.PhysAddress)
		binary.LittleEndian.PutUint64(entry[8:], region.Length)
		binary.LittleEndian.PutUint32(entry[16:], uint32(region.Type))
	}
	b.appendTag(tagMemoryMap, payload)
	return b
}

// AddElfSections appends an ELF symbols tag describing the supplied kernel
// image sections. A string table section is appended after them.
func (b *InfoBuilder) AddElfSections(sections []ElfSection) *InfoBuilder {
	var strTable = []byte{0}
	nameIndex := make([]uint32, len(sections))
	for i, sec := range sections {
		nameIndex[i] = uint32(len(strTable))
		strTable = append(strTable, sec.Name...)
		strTable = append(strTable, 0)
	}

	numSections := len(sections) + 1
	headerLen := 12 + numSections*elfSectionSize
	payload := make([]byte, headerLen, headerLen+len(strTable))
	binary.LittleEndian.PutUint32(payload, uint32(numSections))
	binary.LittleEndian.PutUint32(payload[4:], elfSectionSize)
	binary.LittleEndian.PutUint32(payload[8:], uint32(len(sections)))

	for i, sec := range sections {
		rec := payload[12+i*elfSectionSize:]
		binary.LittleEndian.PutUint32(rec, nameIndex[i])
		binary.LittleEndian.PutUint64(rec[8:], uint64(sec.Flags))
		binary.LittleEndian.PutUint64(rec[16:], uint64(sec.Address))
		binary.LittleEndian.PutUint64(rec[32:], sec.Size)
	}

	strtab := payload[12+len(sections)*elfSectionSize:]
	binary.LittleEndian.PutUint64(strtab[16:], uint64(headerLen))
	binary.LittleEndian.PutUint64(strtab[32:], uint64(len(strTable)))

	b.appendTag(tagElfSymbols, append(payload, strTable...))
	return b
}

// Bytes returns the assembled information block terminated by an end tag.
func (b *InfoBuilder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	out = append(out, b.tags...)
	out = append(out, 0, 0, 0, 0, tagHeaderSize, 0, 0, 0)
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	return out
}

func (b *InfoBuilder) appendTag(t tagType, payload []byte) {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, payload...)
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
}
