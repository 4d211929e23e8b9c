package mpegts

import "testing"

func FuzzPacket(f *testing.F) {
	f.Add(makePacket(0, 0, true, []byte{0x00}))
	f.Add(makePCRPacket(0x1FF, 123456789, true))
	f.Add(makePacketWithAF(0x100, 0, 7, []byte{1, 2, 3}))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != PacketSize {
			return
		}
		p := Packet{Data: data}
		if !p.Parse() || !p.Check() {
			return
		}
		_ = p.Payload()
		af := p.AdaptationField()
		if af.Check() && af.HasPCR() {
			_ = af.PCR()
		}
		_ = af.OPCR()
	})
}

func FuzzPES(f *testing.F) {
	f.Add(buildPES(0xE0, 3003, 0, []byte{0, 0, 1, 9}))
	f.Add(buildPES(0xBD, 90000, -1, []byte{0x80, 0xFF}))

	f.Fuzz(func(t *testing.T, data []byte) {
		p := PESPacket{Data: data}
		if !p.Parse() {
			return
		}
		_ = p.Payload()
		if !p.Check() {
			return
		}
		pts := p.PTS()
		if pts >= PTSWrap {
			t.Fatalf("PTS %d exceeds 33 bits", pts)
		}
		_ = p.DTS()
	})
}

func FuzzSections(f *testing.F) {
	f.Add(buildPAT(1, []program{{1, 0x100}}))
	f.Add(buildPMT(1, 0x100, 0, []esEntry{{StreamTypeH264, 0x100, captionDescriptor(0x30)}}))

	f.Fuzz(func(t *testing.T, data []byte) {
		pat := PAT{PsiSection{Data: data}}
		if pat.Parse() {
			for i := 0; i < pat.NumElems(); i++ {
				_ = pat.Get(i)
			}
		}
		pmt := PMT{PsiSection: PsiSection{Data: data}}
		if pmt.Parse() {
			_ = pmt.PCRPID()
			_ = pmt.ProgramInfo()
			for i := 0; i < pmt.NumElems(); i++ {
				_ = ParseDescriptors(pmt.Get(i).Descriptors)
			}
		}
		sdt := SDT{PsiSection: PsiSection{Data: data}}
		if sdt.Parse() {
			for i := 0; i < sdt.NumElems(); i++ {
				for _, d := range ParseDescriptors(sdt.Get(i).Descriptors) {
					ParseServiceDescriptor(d)
				}
			}
		}
		eit := EIT{PsiSection: PsiSection{Data: data}}
		if eit.Parse() {
			for i := 0; i < eit.NumElems(); i++ {
				for _, d := range ParseDescriptors(eit.Get(i).Descriptors) {
					ParseShortEventDescriptor(d)
				}
			}
		}
		tot := TOT{PsiSection{Data: data}}
		if tot.Parse() {
			_ = tot.Descriptors()
			tot.JST()
		}
	})
}

func FuzzSectionAssembler(f *testing.F) {
	f.Add(sectionPacket(PIDPAT, 0, buildPAT(1, []program{{1, 0x100}})))
	f.Fuzz(func(t *testing.T, data []byte) {
		a := NewSectionAssembler(func(s []byte) {
			ps := PsiSection{Data: s}
			if len(s) != 3+ps.SectionLength() {
				t.Fatalf("emitted %d bytes for section_length %d", len(s), ps.SectionLength())
			}
		})
		pp := NewPacketParser(a.Push)
		pp.InputTsData(data)
		pp.Flush()
	})
}
