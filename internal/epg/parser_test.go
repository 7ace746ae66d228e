package epg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euacreations/airwave/internal/channels"
	"github.com/euacreations/airwave/internal/models"
)

const (
	testFreq    = "500000000"
	testDVBFreq = "617000000"
	psipPID     = 0x1FFB
)

// fakeStore mirrors the repository's upsert semantics in memory.
type fakeStore struct {
	rows map[string]*models.Program
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*models.Program)}
}

func storeKey(freq, ch string, start int64) string {
	return fmt.Sprintf("%s|%s|%d", freq, ch, start)
}

func (f *fakeStore) UpsertProgram(_ context.Context, p *models.Program) error {
	if !p.Valid() {
		return fmt.Errorf("invalid program")
	}
	cp := *p
	key := storeKey(p.Frequency, p.ChannelServiceID, p.StartTime)
	if prev, ok := f.rows[key]; ok && cp.Description == "" {
		cp.Description = prev.Description
	}
	f.rows[key] = &cp
	return nil
}

func (f *fakeStore) UpdateDescription(_ context.Context, freq, ch string, eventID int, desc string) error {
	for _, p := range f.rows {
		if p.Frequency == freq && p.ChannelServiceID == ch && p.EventID == eventID {
			p.Description = desc
		}
	}
	return nil
}

func testRegistry(t *testing.T) *channels.Registry {
	t.Helper()
	conf := `[WXYZ-HD]
SERVICE_ID = 3
VCHANNEL = 15.1
FREQUENCY = 500000000

[Bounce]
SERVICE_ID = 16
VCHANNEL = 55.2
FREQUENCY = 617000000
`
	path := filepath.Join(t.TempDir(), "channels.conf")
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o644))
	r, err := channels.Load(path)
	require.NoError(t, err)
	return r
}

func newTestParser(t *testing.T) (*Parser, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return NewParser(testRegistry(t), store, zerolog.Nop()), store
}

// packetize wraps a PSI section into 188-byte transport packets on pid,
// pointer field zero, stuffing the tail with 0xFF.
func packetize(pid int, sec []byte) []byte {
	var out []byte
	cc := 0

	payload := append([]byte{0x00}, sec...) // pointer_field
	first := true

	for len(payload) > 0 {
		pkt := make([]byte, 188)
		pkt[0] = 0x47
		pkt[1] = byte(pid >> 8 & 0x1F)
		if first {
			pkt[1] |= 0x40 // PUSI
		}
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | byte(cc&0x0F)

		n := copy(pkt[4:], payload)
		payload = payload[n:]
		for i := 4 + n; i < 188; i++ {
			pkt[i] = 0xFF
		}

		out = append(out, pkt...)
		first = false
		cc++
	}
	return out
}

// finishSection back-fills section_length for the assembled body (everything
// after the first three bytes, including the CRC placeholder).
func finishSection(sec []byte) []byte {
	n := len(sec) - 3
	sec[1] = 0xF0 | byte(n>>8&0x0F)
	sec[2] = byte(n)
	return sec
}

// buildVCT assembles a one-entry terrestrial VCT mapping sourceID to
// major.minor with the given program number.
func buildVCT(major, minor, programNumber, sourceID int) []byte {
	sec := make([]byte, 10)
	sec[0] = 0xC8
	sec[9] = 1 // num_channels_in_section

	entry := make([]byte, 32)
	entry[14] = 0xF0 | byte(major>>6&0x0F)
	entry[15] = byte(major<<2&0xFC) | byte(minor>>8&0x03)
	entry[16] = byte(minor)
	entry[24] = byte(programNumber >> 8)
	entry[25] = byte(programNumber)
	entry[28] = byte(sourceID >> 8)
	entry[29] = byte(sourceID)

	sec = append(sec, entry...)
	sec = append(sec, 0, 0, 0, 0) // CRC_32 placeholder
	return finishSection(sec)
}

// mss wraps text in a single-string Multiple String Structure.
func mss(text string) []byte {
	out := []byte{0x01, 'e', 'n', 'g', 0x01, 0x00, 0x00, byte(len(text))}
	return append(out, text...)
}

// buildATSCEIT assembles a one-event EIT for sourceID.
func buildATSCEIT(sourceID, eventID int, startGPS uint32, durationSec int, title string) []byte {
	sec := make([]byte, 10)
	sec[0] = 0xCB
	sec[3] = byte(sourceID >> 8)
	sec[4] = byte(sourceID)
	sec[9] = 1 // num_events_in_section

	titleBytes := mss(title)

	event := []byte{
		byte(eventID >> 8 & 0x3F), byte(eventID),
		byte(startGPS >> 24), byte(startGPS >> 16), byte(startGPS >> 8), byte(startGPS),
		byte(durationSec >> 16 & 0x0F), byte(durationSec >> 8), byte(durationSec),
		byte(len(titleBytes)),
	}
	event = append(event, titleBytes...)
	event = append(event, 0x00, 0x00) // empty descriptor loop

	sec = append(sec, event...)
	sec = append(sec, 0, 0, 0, 0)
	return finishSection(sec)
}

// buildETT assembles an extended text table for (sourceID, eventID).
func buildETT(sourceID, eventID int, text string) []byte {
	sec := make([]byte, 9)
	sec[0] = 0xCC

	etm := uint32(sourceID)<<16 | uint32(eventID)<<2 | 0x02
	sec = append(sec, byte(etm>>24), byte(etm>>16), byte(etm>>8), byte(etm))
	sec = append(sec, mss(text)...)
	sec = append(sec, 0, 0, 0, 0)
	return finishSection(sec)
}

const newsGPS = uint32(1000000000)

// gps 1000000000 → unix seconds 1000000000 + 315964800 − 18.
const newsStartMs = int64(1000000000+315964800-18) * 1000

func TestVCTThenEITMapsSourceToVirtualChannel(t *testing.T) {
	p, store := newTestParser(t)

	buf := packetize(psipPID, buildVCT(15, 1, 3, 7))
	buf = append(buf, packetize(0x1D00, buildATSCEIT(7, 42, newsGPS, 1800, "News"))...)

	stats := p.Parse(context.Background(), testFreq, buf)
	assert.Equal(t, 1, stats.Programs)

	row, ok := store.rows[storeKey(testFreq, "15.1", newsStartMs)]
	require.True(t, ok, "program should be keyed by the mapped virtual channel")
	assert.Equal(t, "News", row.Title)
	assert.Equal(t, newsStartMs+1800*1000, row.EndTime)
	assert.Equal(t, 42, row.EventID)
	assert.Equal(t, 7, row.SourceID)
}

func TestEITWithoutVCTFallsBackToRawSourceID(t *testing.T) {
	p, store := newTestParser(t)

	buf := packetize(0x1D00, buildATSCEIT(9, 1, newsGPS, 600, "Orphan"))
	p.Parse(context.Background(), testFreq, buf)

	_, ok := store.rows[storeKey(testFreq, "9", newsStartMs)]
	assert.True(t, ok, "unmapped source ids persist as their decimal string")
}

func TestETTUpdatesMatchingDescription(t *testing.T) {
	p, store := newTestParser(t)

	buf := packetize(psipPID, buildVCT(15, 1, 3, 7))
	buf = append(buf, packetize(0x1D00, buildATSCEIT(7, 42, newsGPS, 1800, "News"))...)
	buf = append(buf, packetize(0x1D01, buildETT(7, 42, "Local headlines"))...)

	p.Parse(context.Background(), testFreq, buf)

	row := store.rows[storeKey(testFreq, "15.1", newsStartMs)]
	require.NotNil(t, row)
	assert.Equal(t, "Local headlines", row.Description)
}

func TestETTWithoutMatchingEventIsNoOp(t *testing.T) {
	p, store := newTestParser(t)

	buf := packetize(0x1D01, buildETT(7, 99, "Text for nobody"))
	p.Parse(context.Background(), testFreq, buf)

	assert.Empty(t, store.rows)
}

func TestDescriptionSurvivesEITReannouncement(t *testing.T) {
	p, store := newTestParser(t)

	buf := packetize(psipPID, buildVCT(15, 1, 3, 7))
	buf = append(buf, packetize(0x1D00, buildATSCEIT(7, 42, newsGPS, 1800, "News"))...)
	buf = append(buf, packetize(0x1D01, buildETT(7, 42, "Local headlines"))...)
	p.Parse(context.Background(), testFreq, buf)

	// The same event arrives again with no text attached.
	p.Parse(context.Background(), testFreq, packetize(0x1D00, buildATSCEIT(7, 42, newsGPS, 1800, "News")))

	row := store.rows[storeKey(testFreq, "15.1", newsStartMs)]
	require.NotNil(t, row)
	assert.Equal(t, "Local headlines", row.Description)
}

func TestSectionStraddlingPacketsReassembledOnce(t *testing.T) {
	p, store := newTestParser(t)

	longTitle := strings.Repeat("A", 180)
	sec := buildATSCEIT(7, 1, newsGPS, 1800, longTitle)
	require.Greater(t, len(sec), 184, "section must span two packets")

	buf := packetize(0x1D00, sec)
	stats := p.Parse(context.Background(), testFreq, buf)

	assert.Equal(t, 1, stats.Programs)
	assert.Len(t, store.rows, 1)
	for _, row := range store.rows {
		assert.Equal(t, longTitle, row.Title)
	}
}

func TestSyncByteRecovery(t *testing.T) {
	p, _ := newTestParser(t)

	packets := packetize(0x1D00, buildATSCEIT(7, 1, newsGPS, 600, "News"))
	buf := append([]byte{0xDE, 0xAD, 0xBE}, packets...)

	stats := p.Parse(context.Background(), testFreq, buf)
	assert.Equal(t, len(packets)/188, stats.Packets)
	assert.Equal(t, 1, stats.Programs)
}

func TestReparseIsIdempotent(t *testing.T) {
	p, store := newTestParser(t)

	buf := packetize(psipPID, buildVCT(15, 1, 3, 7))
	buf = append(buf, packetize(0x1D00, buildATSCEIT(7, 42, newsGPS, 1800, "News"))...)

	p.Parse(context.Background(), testFreq, buf)
	first := make(map[string]models.Program, len(store.rows))
	for k, v := range store.rows {
		first[k] = *v
	}

	p.Parse(context.Background(), testFreq, buf)
	assert.Len(t, store.rows, len(first))
	for k, v := range store.rows {
		assert.Equal(t, first[k], *v)
	}
}

func TestUntitledEventsAreSkipped(t *testing.T) {
	p, store := newTestParser(t)

	buf := packetize(0x1D00, buildATSCEIT(7, 1, newsGPS, 600, ""))
	stats := p.Parse(context.Background(), testFreq, buf)

	assert.Zero(t, stats.Programs)
	assert.Empty(t, store.rows)
}

func TestGarbageBufferYieldsNothing(t *testing.T) {
	p, store := newTestParser(t)

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	p.Parse(context.Background(), testFreq, buf)
	assert.Empty(t, store.rows)
}

func TestDecodeMSS(t *testing.T) {
	assert.Equal(t, "News", decodeMSS(mss("News")))
	assert.Equal(t, "", decodeMSS(nil))
	assert.Equal(t, "", decodeMSS([]byte{0x00}))
	// Control characters are stripped, TAB survives.
	assert.Equal(t, "a\tb", decodeMSS(mss("a\tb\x00")))
}
