package instruments

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gocarina/gocsv"
)

// SearchLimit caps the number of Search results.
const SearchLimit = 10

// Manager holds the scripmaster in memory.
type Manager struct {
	mu     sync.RWMutex
	byCode map[int64]Instrument
	// equity rows win both indexes; other segments only fill gaps
	byName map[string]int64
	byRoot map[string]int64
	codes  []int64 // sorted, for stable search order

	logger *slog.Logger
}

// New creates an empty Manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byCode: make(map[int64]Instrument),
		byName: make(map[string]int64),
		byRoot: make(map[string]int64),
		logger: logger,
	}
}

// LoadFile loads the scripmaster at path. The file may be gzip-compressed
// whatever its extension says.
func (m *Manager) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open scripmaster: %w", err)
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	m.logger.Info("Scripmaster loaded", "path", path, "instruments", m.Count())
	return nil
}

// Load replaces the index with the CSV read from r.
func (m *Manager) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	} else {
		r = br
	}

	var rows []*csvRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return fmt.Errorf("parse scripmaster: %w", err)
	}

	byCode := make(map[int64]Instrument, len(rows))
	byName := make(map[string]int64, len(rows))
	byRoot := make(map[string]int64, len(rows))
	skipped := 0
	for _, row := range rows {
		inst, ok := row.instrument()
		if !ok {
			skipped++
			continue
		}
		if prev, exists := byCode[inst.ScripCode]; !exists || inst.IsEquity() || !prev.IsEquity() {
			byCode[inst.ScripCode] = inst
		}
		index(byName, strings.ToUpper(inst.Name), inst)
		index(byRoot, strings.ToUpper(inst.SymbolRoot), inst)
	}

	codes := make([]int64, 0, len(byCode))
	for c := range byCode {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	m.mu.Lock()
	m.byCode, m.byName, m.byRoot, m.codes = byCode, byName, byRoot, codes
	m.mu.Unlock()

	if skipped > 0 {
		m.logger.Debug("Skipped scripmaster rows", "count", skipped)
	}
	return nil
}

func index(idx map[string]int64, key string, inst Instrument) {
	if key == "" {
		return
	}
	if _, taken := idx[key]; !taken || inst.IsEquity() {
		idx[key] = inst.ScripCode
	}
}

func (r *csvRow) instrument() (Instrument, bool) {
	code, err := strconv.ParseInt(strings.TrimSpace(r.ScripCode), 10, 64)
	name := strings.TrimSpace(r.Name)
	if err != nil || code <= 0 || name == "" {
		return Instrument{}, false
	}
	full := strings.TrimSpace(r.FullName)
	if full == "" {
		full = name
	}
	return Instrument{
		ScripCode:  code,
		Name:       name,
		FullName:   full,
		Exchange:   strings.TrimSpace(r.Exch),
		ExchType:   strings.TrimSpace(r.ExchType),
		Series:     strings.TrimSpace(r.Series),
		ISIN:       strings.TrimSpace(r.ISIN),
		SymbolRoot: strings.TrimSpace(r.SymbolRoot),
	}, true
}

// Count returns the number of distinct scrip codes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byCode)
}

// Get returns the instrument for a scrip code.
func (m *Manager) Get(code int64) (Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byCode[code]
	return inst, ok
}

// Lookup resolves an exact ticker symbol. The symbol-root index is tried
// first, then the name index, then a scan of equity rows on exchange.
func (m *Manager) Lookup(symbol, exchange string) (Instrument, bool) {
	q := strings.ToUpper(strings.TrimSpace(symbol))
	if q == "" {
		return Instrument{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if code, ok := m.byRoot[q]; ok {
		return m.byCode[code], true
	}
	if code, ok := m.byName[q]; ok {
		return m.byCode[code], true
	}
	for _, code := range m.codes {
		inst := m.byCode[code]
		if inst.Exchange != exchange || !inst.IsEquity() {
			continue
		}
		if strings.ToUpper(inst.Name) == q || strings.ToUpper(inst.SymbolRoot) == q {
			return inst, true
		}
	}
	return Instrument{}, false
}

// Search returns up to SearchLimit instruments on exchange/exchType whose
// name, full name or symbol root contains query.
func (m *Manager) Search(query, exchange, exchType string) []Instrument {
	q := strings.ToUpper(strings.TrimSpace(query))
	out := make([]Instrument, 0, SearchLimit)
	if q == "" {
		return out
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, code := range m.codes {
		inst := m.byCode[code]
		if inst.Exchange != "" && inst.Exchange != exchange {
			continue
		}
		if inst.ExchType != "" && inst.ExchType != exchType {
			continue
		}
		if inst.matches(q) {
			out = append(out, inst)
			if len(out) == SearchLimit {
				break
			}
		}
	}
	return out
}
