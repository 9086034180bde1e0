package gsusb

import (
	"fmt"
	"sync/atomic"
)

type Stats struct {
	RxFrames  uint64
	TxFrames  uint64
	RxErrors  uint64
	TxErrors  uint64
	Truncated uint64
	Malformed uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("rx: %d tx: %d rx errors: %d tx errors: %d truncated: %d malformed: %d",
		st.RxFrames, st.TxFrames, st.RxErrors, st.TxErrors, st.Truncated, st.Malformed)
}

type stats struct {
	rx, tx             atomic.Uint64
	rxErrors, txErrors atomic.Uint64
	truncated          atomic.Uint64
	malformed          atomic.Uint64
}

func (s *stats) addRx()        { s.rx.Add(1) }
func (s *stats) addTx()        { s.tx.Add(1) }
func (s *stats) addRxError()   { s.rxErrors.Add(1) }
func (s *stats) addTxError()   { s.txErrors.Add(1) }
func (s *stats) addTruncated() { s.truncated.Add(1) }
func (s *stats) addMalformed() { s.malformed.Add(1) }

func (s *stats) snapshot() Stats {
	return Stats{
		RxFrames:  s.rx.Load(),
		TxFrames:  s.tx.Load(),
		RxErrors:  s.rxErrors.Load(),
		TxErrors:  s.txErrors.Load(),
		Truncated: s.truncated.Load(),
		Malformed: s.malformed.Load(),
	}
}
