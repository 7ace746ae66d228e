// Package epg turns captured transport-stream bytes into guide data and
// schedules the scans that produce them.
package epg

import (
	"context"
	"strconv"

	"github.com/Comcast/gots/packet"
	"github.com/rs/zerolog"

	"github.com/euacreations/airwave/internal/channels"
	"github.com/euacreations/airwave/internal/models"
)

// Store is the persistence boundary for program rows. The sqlite repository
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	UpsertProgram(ctx context.Context, p *models.Program) error
	UpdateDescription(ctx context.Context, frequency, channelServiceID string, eventID int, description string) error
}

// Parser reassembles MPEG-TS sections and decodes the ATSC and DVB event
// tables into program rows.
type Parser struct {
	registry *channels.Registry
	store    Store
	log      zerolog.Logger

	// sourceMap carries (frequency, source_id) → virtual channel across
	// scans; VCT sections populate it, EIT sections consume it.
	sourceMap map[sourceKey]string
}

type sourceKey struct {
	freq     string
	sourceID int
}

func NewParser(registry *channels.Registry, store Store, log zerolog.Logger) *Parser {
	return &Parser{
		registry:  registry,
		store:     store,
		log:       log.With().Str("component", "epg-parser").Logger(),
		sourceMap: make(map[sourceKey]string),
	}
}

// Stats summarises one parse pass for the scan log.
type Stats struct {
	Packets     int
	Sections    int
	Programs    int
	PIDCounts   map[int]int
	TableCounts map[byte]int
}

// partialSection is per-PID reassembly state: bytes gathered so far and the
// full section length once the 3-byte header is available.
type partialSection struct {
	data  []byte
	total int
}

// Parse walks buf as 188-byte transport packets, reassembles PSI sections
// per PID and dispatches the event tables. Individual section failures are
// logged and skipped; one bad table never loses the rest of a capture.
func (p *Parser) Parse(ctx context.Context, freq string, buf []byte) *Stats {
	stats := &Stats{
		PIDCounts:   make(map[int]int),
		TableCounts: make(map[byte]int),
	}
	partials := make(map[int]*partialSection)

	var pkt packet.Packet
	i := 0
	for i+packet.PacketSize <= len(buf) {
		if buf[i] != 0x47 {
			// Resync: walk forward until the sync byte comes around.
			i++
			continue
		}
		copy(pkt[:], buf[i:i+packet.PacketSize])
		i += packet.PacketSize

		stats.Packets++
		pid := pkt.PID()
		stats.PIDCounts[pid]++

		payload := tsPayload(&pkt)
		if payload == nil {
			continue
		}

		if packet.PayloadUnitStartIndicator(&pkt) {
			p.startSection(ctx, freq, pid, payload, partials, stats)
		} else {
			p.continueSection(ctx, freq, pid, payload, partials, stats)
		}
	}

	return stats
}

// tsPayload returns the packet payload after the adaptation field, or nil
// when the packet carries none.
func tsPayload(pkt *packet.Packet) []byte {
	b := pkt[:]
	switch (b[3] >> 4) & 0x03 {
	case 0x01:
		return b[4:]
	case 0x03:
		afLen := int(b[4])
		if 5+afLen >= len(b) {
			return nil
		}
		return b[5+afLen:]
	default:
		// 0x00 is reserved, 0x02 is adaptation field only.
		return nil
	}
}

// startSection handles a PUSI packet: skip the pointer field, then deliver
// as many complete sections as the payload holds, buffering the tail. A new
// PUSI always discards whatever was previously buffered on the PID.
func (p *Parser) startSection(ctx context.Context, freq string, pid int, payload []byte, partials map[int]*partialSection, stats *Stats) {
	delete(partials, pid)

	if len(payload) < 1 {
		return
	}
	ptr := int(payload[0])
	if 1+ptr >= len(payload) {
		return
	}
	data := payload[1+ptr:]

	for len(data) > 0 && data[0] != 0xFF {
		if len(data) < 3 {
			partials[pid] = &partialSection{data: append([]byte(nil), data...)}
			return
		}
		total := sectionTotal(data)
		if len(data) < total {
			partials[pid] = &partialSection{data: append([]byte(nil), data...), total: total}
			return
		}
		p.dispatch(ctx, freq, data[:total], stats)
		data = data[total:]
	}
}

// continueSection appends a non-PUSI payload to the buffered section, if
// any, and delivers once the full length has arrived.
func (p *Parser) continueSection(ctx context.Context, freq string, pid int, payload []byte, partials map[int]*partialSection, stats *Stats) {
	ps, ok := partials[pid]
	if !ok {
		return
	}
	ps.data = append(ps.data, payload...)
	if ps.total == 0 {
		if len(ps.data) < 3 {
			return
		}
		ps.total = sectionTotal(ps.data)
	}
	if len(ps.data) >= ps.total {
		p.dispatch(ctx, freq, ps.data[:ps.total], stats)
		delete(partials, pid)
	}
}

func sectionTotal(data []byte) int {
	return (int(data[1]&0x0F)<<8 | int(data[2])) + 3
}

// dispatch routes a complete section by table id.
func (p *Parser) dispatch(ctx context.Context, freq string, sec []byte, stats *Stats) {
	stats.Sections++
	tableID := sec[0]

	if tableID >= 0xC7 && tableID <= 0xCF {
		stats.TableCounts[tableID]++
	}

	var err error
	switch {
	case tableID == 0xC8 || tableID == 0xC9:
		err = p.parseVCT(freq, sec)
	case tableID == 0xCB:
		err = p.parseATSCEIT(ctx, freq, sec, stats)
	case tableID == 0xCC:
		err = p.parseETT(ctx, freq, sec)
	case tableID >= 0x4E && tableID <= 0x6F:
		err = p.parseDVBEIT(ctx, freq, sec, stats)
	}
	if err != nil {
		p.log.Debug().Err(err).Uint8("table_id", tableID).Str("freq", freq).Msg("section parse failed")
	}
}

// channelForSource resolves the persisted channel key for an ATSC source id:
// the VCT-mapped virtual channel when known, else the raw source id.
func (p *Parser) channelForSource(freq string, sourceID int) string {
	if v, ok := p.sourceMap[sourceKey{freq, sourceID}]; ok {
		return v
	}
	return strconv.Itoa(sourceID)
}
