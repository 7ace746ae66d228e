package epg

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/euacreations/airwave/internal/models"
)

const (
	descTagShortEvent    = 0x4D
	descTagExtendedEvent = 0x4E
)

// parseDVBEIT decodes a DVB Event Information Table section (ETSI EN 300
// 468 §5.2.4): a 14-byte header, then per event a 12-byte fixed part and a
// descriptor loop carrying title and extended text.
func (p *Parser) parseDVBEIT(ctx context.Context, freq string, sec []byte, stats *Stats) error {
	if len(sec) < 18 {
		return fmt.Errorf("dvb eit too short: %d bytes", len(sec))
	}

	serviceID := int(sec[3])<<8 | int(sec[4])
	end := len(sec) - 4 // CRC_32
	off := 14

	for off+12 <= end {
		e := sec[off:]

		mjd := int(e[2])<<8 | int(e[3])
		startTime, err := mjdBCDToTime(mjd, e[4], e[5], e[6])
		if err != nil {
			return err
		}
		durationSec := bcd2(e[7])*3600 + bcd2(e[8])*60 + bcd2(e[9])

		descLen := int(e[10]&0x0F)<<8 | int(e[11])
		if 12+descLen > len(e) {
			return fmt.Errorf("dvb eit descriptor loop overruns section")
		}
		title, description := parseDVBEventDescriptors(e[12 : 12+descLen])
		off += 12 + descLen

		startMs := startTime.UnixMilli()
		endMs := startMs + int64(durationSec)*1000

		if title == "" || startMs <= 0 {
			continue
		}

		prog := &models.Program{
			Frequency:        freq,
			ChannelServiceID: p.channelForService(freq, serviceID),
			StartTime:        startMs,
			EndTime:          endMs,
			Title:            title,
			Description:      description,
		}
		if err := p.store.UpsertProgram(ctx, prog); err != nil {
			p.log.Debug().Err(err).Str("title", title).Msg("program upsert failed")
			continue
		}
		stats.Programs++
	}

	return nil
}

// channelForService resolves the persisted channel key for a DVB service id:
// the configured channel number when the service is in the lineup, else the
// decimal service id.
func (p *Parser) channelForService(freq string, serviceID int) string {
	if ch, ok := p.registry.FindByFreqAndProgram(freq, serviceID); ok {
		return ch.Number
	}
	return strconv.Itoa(serviceID)
}

// parseDVBEventDescriptors walks one event's descriptor loop picking up the
// short-event title and extended-event text.
func parseDVBEventDescriptors(body []byte) (title, description string) {
	var descParts []string

	for i := 0; i+2 <= len(body); {
		tag := body[i]
		length := int(body[i+1])
		if i+2+length > len(body) {
			break
		}
		data := body[i+2 : i+2+length]
		i += 2 + length

		switch tag {
		case descTagShortEvent:
			// language(3), name_length, name, text_length, text
			if len(data) < 4 {
				continue
			}
			nameLen := int(data[3])
			if 4+nameLen > len(data) {
				continue
			}
			if t := cleanDVBText(data[4 : 4+nameLen]); t != "" {
				title = t
			}
		case descTagExtendedEvent:
			// number(1), language(3), items_length, items, text_length, text
			if len(data) < 5 {
				continue
			}
			itemsLen := int(data[4])
			pos := 5 + itemsLen
			if pos >= len(data) {
				continue
			}
			textLen := int(data[pos])
			if pos+1+textLen > len(data) {
				continue
			}
			if t := cleanDVBText(data[pos+1 : pos+1+textLen]); t != "" {
				descParts = append(descParts, t)
			}
		}
	}

	return title, strings.Join(descParts, "")
}

// cleanDVBText drops the leading character-table selector byte when present
// and filters the remainder to printable ASCII.
func cleanDVBText(b []byte) string {
	if len(b) > 0 && b[0] < 0x20 {
		b = b[1:]
	}
	var sb strings.Builder
	for _, c := range b {
		if c >= 0x20 && c <= 0x7E {
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String())
}

// mjdBCDToTime converts a Modified Julian Date plus BCD hh:mm:ss to UTC
// using the conversion from ETSI EN 300 468 annex C.
func mjdBCDToTime(mjd int, h, m, s byte) (time.Time, error) {
	if mjd == 0 {
		return time.Time{}, fmt.Errorf("zero mjd")
	}

	yp := int((float64(mjd) - 15078.2) / 365.25)
	mp := int((float64(mjd) - 14956.1 - float64(int(float64(yp)*365.25))) / 30.6001)
	day := mjd - 14956 - int(float64(yp)*365.25) - int(float64(mp)*30.6001)

	k := 0
	if mp == 14 || mp == 15 {
		k = 1
	}
	year := yp + k + 1900
	month := mp - 1 - k*12

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("mjd %d decodes to invalid date %d-%d-%d", mjd, year, month, day)
	}

	return time.Date(year, time.Month(month), day, bcd2(h), bcd2(m), bcd2(s), 0, time.UTC), nil
}

func bcd2(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}
