package tstest

import (
	"time"

	"github.com/zsiec/tsreform/internal/mpegts"
)

// Service is one SDT entry with a service descriptor.
type Service struct {
	ID       uint16
	Type     uint8
	Provider string
	Name     string
}

// SDT builds an actual-TS service description section.
func SDT(tsid, onid uint16, services ...Service) []byte {
	body := []byte{byte(onid >> 8), byte(onid), 0xFF}
	for _, s := range services {
		desc := []byte{mpegts.DescTagService, 0, s.Type, byte(len(s.Provider))}
		desc = append(desc, s.Provider...)
		desc = append(desc, byte(len(s.Name)))
		desc = append(desc, s.Name...)
		desc[1] = byte(len(desc) - 2)
		// EIT present/following flag set, running status 4.
		body = append(body, byte(s.ID>>8), byte(s.ID), 0xFD, 0x80|byte(len(desc)>>8)&0x0F, byte(len(desc)))
		body = append(body, desc...)
	}
	return LongSection(mpegts.TableIDSDTActual, tsid, 0, body)
}

// Event is one EIT entry with a short event descriptor.
type Event struct {
	ID       uint16
	Start    time.Time
	Duration time.Duration
	Name     string
	Text     string
}

// EITPresentFollowing builds an actual-TS present/following event section.
// Section number 0 is the present event, 1 the following.
func EITPresentFollowing(serviceID, tsid, onid uint16, sectionNumber uint8, events ...Event) []byte {
	body := []byte{byte(tsid >> 8), byte(tsid), byte(onid >> 8), byte(onid), 1, mpegts.TableIDEITFirst}
	for _, e := range events {
		ev := make([]byte, 12)
		ev[0], ev[1] = byte(e.ID>>8), byte(e.ID)
		mpegts.EncodeJST(ev[2:7], e.Start)
		d := e.Duration
		ev[7] = bcdByte(int(d / time.Hour))
		ev[8] = bcdByte(int(d % time.Hour / time.Minute))
		ev[9] = bcdByte(int(d % time.Minute / time.Second))
		short := []byte{mpegts.DescTagShortEvent, 0, 'j', 'p', 'n', byte(len(e.Name))}
		short = append(short, e.Name...)
		short = append(short, byte(len(e.Text)))
		short = append(short, e.Text...)
		short[1] = byte(len(short) - 2)
		ev[10], ev[11] = 0x80|byte(len(short)>>8)&0x0F, byte(len(short))
		body = append(body, append(ev, short...)...)
	}
	sec := LongSection(mpegts.TableIDEITFirst, serviceID, 0, body)
	// Patch the section numbers and recompute the CRC.
	sec = sec[:len(sec)-4]
	sec[6], sec[7] = sectionNumber, 1
	return mpegts.AppendCRC32(sec)
}

func bcdByte(v int) byte {
	return byte(v/10)<<4 | byte(v%10)
}
