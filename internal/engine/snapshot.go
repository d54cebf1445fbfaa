package engine

import "github.com/shopspring/decimal"

// State is the engine's persistable view: live instruments, credited-asset
// usage counters, and the instrument id counter.
type State struct {
	Instruments      []Instrument
	Usage            map[string]decimal.Decimal
	NextInstrumentID uint64
}

func (e *Engine) ExportState() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Instruments:      make([]Instrument, 0, len(e.instruments)),
		Usage:            make(map[string]decimal.Decimal, len(e.usage)),
		NextInstrumentID: e.nextID,
	}
	for _, in := range e.instruments {
		s.Instruments = append(s.Instruments, *in)
	}
	for asset, amount := range e.usage {
		s.Usage[asset] = amount
	}
	return s
}

func (e *Engine) ImportState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.instruments = make(map[uint64]*Instrument, len(s.Instruments))
	for _, in := range s.Instruments {
		copied := in
		e.instruments[in.ID] = &copied
	}
	e.usage = make(map[string]decimal.Decimal, len(s.Usage))
	for asset, amount := range s.Usage {
		e.usage[asset] = amount
	}
	e.nextID = s.NextInstrumentID
	if e.nextID == 0 {
		e.nextID = 1
	}
	e.metrics.setOpenInstruments(len(e.instruments))
}
