// Package channels loads the demodulator's channels.conf and serves as the
// immutable channel registry for the rest of the gateway.
package channels

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/euacreations/airwave/internal/models"
)

// Registry is the loaded channel collection. It is read-only after Load;
// duplicate section names are permitted in the source file, disambiguation
// is always by channel number.
type Registry struct {
	channels []*models.Channel
	byNumber map[string]*models.Channel
}

// Load parses an INI-style channels.conf. Each `[Name]` section carries
// SERVICE_ID (decimal or 0x-hex), VCHANNEL (major.minor) and FREQUENCY (Hz).
func Load(path string) (*Registry, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		AllowNonUniqueSections: true,
		Insensitive:            false,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels conf: %w", err)
	}

	r := &Registry{byNumber: make(map[string]*models.Channel)}

	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		number := strings.TrimSpace(sec.Key("VCHANNEL").String())
		if number == "" {
			continue
		}
		ch := &models.Channel{
			Number:    number,
			Name:      sec.Name(),
			ServiceID: CanonicalServiceID(sec.Key("SERVICE_ID").String()),
			Frequency: strings.TrimSpace(sec.Key("FREQUENCY").String()),
		}
		r.channels = append(r.channels, ch)
		if _, dup := r.byNumber[ch.Number]; !dup {
			r.byNumber[ch.Number] = ch
		}
	}

	if len(r.channels) == 0 {
		return nil, fmt.Errorf("no channels found in %s", path)
	}

	return r, nil
}

// CanonicalServiceID normalises the mixed decimal/0x-hex service ids found
// in channels.conf files to a single decimal string form so that joins
// against EPG rows are exact string equality.
func CanonicalServiceID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	n, err := strconv.ParseInt(raw, 0, 64)
	if err != nil {
		return raw
	}
	return strconv.FormatInt(n, 10)
}

// All returns every channel in file order.
func (r *Registry) All() []*models.Channel {
	return r.channels
}

// ByNumber resolves a virtual channel number, e.g. "55.1".
func (r *Registry) ByNumber(number string) (*models.Channel, bool) {
	ch, ok := r.byNumber[number]
	return ch, ok
}

// DistinctFrequencies returns the set of RF carriers to scan, in first-seen
// order.
func (r *Registry) DistinctFrequencies() []string {
	seen := make(map[string]bool)
	var freqs []string
	for _, ch := range r.channels {
		if ch.Frequency == "" || seen[ch.Frequency] {
			continue
		}
		seen[ch.Frequency] = true
		freqs = append(freqs, ch.Frequency)
	}
	return freqs
}

// FirstOnFrequency returns the first configured channel on freq; scans tune
// through it to capture the whole mux.
func (r *Registry) FirstOnFrequency(freq string) (*models.Channel, bool) {
	for _, ch := range r.channels {
		if ch.Frequency == freq {
			return ch, true
		}
	}
	return nil, false
}

// FindByFreqAndVChannel returns the channel carried on freq with the given
// virtual channel number.
func (r *Registry) FindByFreqAndVChannel(freq, number string) (*models.Channel, bool) {
	for _, ch := range r.channels {
		if ch.Frequency == freq && ch.Number == number {
			return ch, true
		}
	}
	return nil, false
}

// FindByFreqAndProgram returns the channel carried on freq whose MPEG
// program number (service id) matches.
func (r *Registry) FindByFreqAndProgram(freq string, programNumber int) (*models.Channel, bool) {
	want := strconv.Itoa(programNumber)
	for _, ch := range r.channels {
		if ch.Frequency == freq && ch.ServiceID == want {
			return ch, true
		}
	}
	return nil, false
}

// FindByVChannel returns the first channel with the given number on any
// frequency.
func (r *Registry) FindByVChannel(number string) (*models.Channel, bool) {
	return r.ByNumber(number)
}
