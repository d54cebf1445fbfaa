package ledger

import "github.com/shopspring/decimal"

// State is a full copy of the ledger's bookkeeping tables, used by the
// persistence layer and by boot-time restore.
type State struct {
	Balances          []Balance
	Reservations      []Reservation
	Allowances        []Allowance
	NextReservationID uint64
}

func (l *Ledger) ExportState() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := State{NextReservationID: l.nextReservationID}
	for _, bal := range l.balances {
		s.Balances = append(s.Balances, *bal)
	}
	for _, res := range l.reservations {
		s.Reservations = append(s.Reservations, *res)
	}
	for key, amount := range l.allowances {
		s.Allowances = append(s.Allowances, Allowance{
			Account:  key.account,
			Consumer: key.consumer,
			Asset:    key.asset,
			Amount:   amount,
		})
	}
	return s
}

func (l *Ledger) ImportState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[balanceKey]*Balance, len(s.Balances))
	for _, bal := range s.Balances {
		copied := bal
		copied.Asset = NormalizeAsset(copied.Asset)
		l.balances[balanceKey{account: copied.Account, asset: copied.Asset}] = &copied
	}
	l.reservations = make(map[uint64]*Reservation, len(s.Reservations))
	for _, res := range s.Reservations {
		copied := res
		copied.Asset = NormalizeAsset(copied.Asset)
		l.reservations[copied.ID] = &copied
	}
	l.allowances = make(map[allowanceKey]decimal.Decimal, len(s.Allowances))
	for _, al := range s.Allowances {
		if al.Amount.Sign() <= 0 {
			continue
		}
		l.allowances[allowanceKey{account: al.Account, consumer: al.Consumer, asset: NormalizeAsset(al.Asset)}] = al.Amount
	}
	if s.NextReservationID > 0 {
		l.nextReservationID = s.NextReservationID
	}
	l.metrics.setOpenReservations(len(l.reservations))
}
