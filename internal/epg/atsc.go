package epg

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"

	"github.com/euacreations/airwave/internal/models"
)

// ATSC A/65 time is seconds since the GPS epoch (1980-01-06), which runs
// ahead of UTC by the accumulated leap seconds; 18 is correct for the
// current era of North American broadcasts.
const (
	gpsEpochOffset = 315964800
	gpsLeapSeconds = 18
)

// parseVCT decodes a terrestrial or cable Virtual Channel Table and updates
// the source map. Each entry is a fixed 32-byte block followed by its own
// descriptor loop.
func (p *Parser) parseVCT(freq string, sec []byte) error {
	if len(sec) < 10 {
		return fmt.Errorf("vct too short: %d bytes", len(sec))
	}

	numChannels := int(sec[9])
	off := 10

	for i := 0; i < numChannels; i++ {
		if off+32 > len(sec) {
			return fmt.Errorf("vct truncated at entry %d", i)
		}
		e := sec[off:]

		major := int(e[14]&0x0F)<<6 | int(e[15])>>2
		minor := int(e[15]&0x03)<<8 | int(e[16])
		programNumber := int(e[24])<<8 | int(e[25])
		sourceID := int(e[28])<<8 | int(e[29])
		vchannel := fmt.Sprintf("%d.%d", major, minor)

		mapped := vchannel
		if ch, ok := p.registry.FindByFreqAndVChannel(freq, vchannel); ok {
			mapped = ch.Number
		} else if ch, ok := p.registry.FindByFreqAndProgram(freq, programNumber); ok {
			mapped = ch.Number
		} else if ch, ok := p.registry.FindByVChannel(vchannel); ok {
			mapped = ch.Number
		}
		p.sourceMap[sourceKey{freq, sourceID}] = mapped

		descLen := int(e[30]&0x03)<<8 | int(e[31])
		off += 32 + descLen
	}

	return nil
}

// parseATSCEIT decodes an Event Information Table section: a 10-byte header
// followed by num_events variable-length event records.
func (p *Parser) parseATSCEIT(ctx context.Context, freq string, sec []byte, stats *Stats) error {
	if len(sec) < 10 {
		return fmt.Errorf("eit too short: %d bytes", len(sec))
	}

	sourceID := int(sec[3])<<8 | int(sec[4])
	numEvents := int(sec[9])
	off := 10

	for i := 0; i < numEvents; i++ {
		if off+10 > len(sec) {
			return fmt.Errorf("eit truncated at event %d", i)
		}
		e := sec[off:]

		eventID := int(e[0]&0x3F)<<8 | int(e[1])
		startGPS := binary.BigEndian.Uint32(e[2:6])
		// Upper four bits of the length field are reserved.
		lengthSec := int(e[6]&0x0F)<<16 | int(e[7])<<8 | int(e[8])
		titleLen := int(e[9])

		if 10+titleLen+2 > len(e) {
			return fmt.Errorf("eit title overruns event %d", i)
		}
		title := decodeMSS(e[10 : 10+titleLen])

		descLen := int(e[10+titleLen]&0x0F)<<8 | int(e[11+titleLen])
		off += 12 + titleLen + descLen

		startTime := (int64(startGPS) + gpsEpochOffset - gpsLeapSeconds) * 1000
		endTime := startTime + int64(lengthSec)*1000

		if title == "" || startTime <= 0 {
			continue
		}

		prog := &models.Program{
			Frequency:        freq,
			ChannelServiceID: p.channelForSource(freq, sourceID),
			StartTime:        startTime,
			EndTime:          endTime,
			Title:            title,
			EventID:          eventID,
			SourceID:         sourceID,
		}
		if err := p.store.UpsertProgram(ctx, prog); err != nil {
			p.log.Debug().Err(err).Str("title", title).Msg("program upsert failed")
			continue
		}
		stats.Programs++
	}

	return nil
}

// parseETT decodes an Extended Text Table and attaches the description to
// the matching event row. ETT never creates rows; text for an event that was
// not announced is dropped.
func (p *Parser) parseETT(ctx context.Context, freq string, sec []byte) error {
	if len(sec) < 17 {
		return fmt.Errorf("ett too short: %d bytes", len(sec))
	}

	etmID := binary.BigEndian.Uint32(sec[9:13])
	eventID := int(etmID>>2) & 0x3FFF
	sourceID := int(etmID >> 16)

	// Leave the trailing CRC_32 out of the text body.
	body := sec[13 : len(sec)-4]
	description := decodeMSS(body)
	if description == "" {
		return nil
	}

	return p.store.UpdateDescription(ctx, freq, p.channelForSource(freq, sourceID), eventID, description)
}

// decodeMSS extracts the first string of an ATSC Multiple String Structure:
// a string count, then per string a 6-byte header (language code, segment
// count, compression and mode) ahead of the byte count and text.
func decodeMSS(b []byte) string {
	if len(b) < 1 || b[0] == 0 {
		return ""
	}
	const stringOffset = 1
	if stringOffset+7 > len(b) {
		return ""
	}
	textLen := int(b[stringOffset+6])
	start := stringOffset + 7
	if start+textLen > len(b) {
		textLen = len(b) - start
		if textLen <= 0 {
			return ""
		}
	}
	return cleanText(b[start : start+textLen])
}

// cleanText interprets the bytes as UTF-8, strips control characters except
// TAB, and trims surrounding whitespace.
func cleanText(b []byte) string {
	var sb strings.Builder
	for _, r := range string(b) {
		if r == '\t' || !unicode.IsControl(r) {
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
