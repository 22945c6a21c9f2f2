package ranging

import (
	"errors"
	"math"

	"github.com/rangelink/rangelink/internal/dwtime"
)

// ErrDegenerateRange is returned when the exchange timestamps do not yield a
// finite time of flight.
var ErrDegenerateRange = errors.New("degenerate range computation")

// TimeOfFlight computes the one-way time of flight, in counter ticks, from
// the six timestamps of an asymmetric double-sided exchange:
//
//	round1 = PollAckReceived - PollSent
//	reply1 = PollAckSent - PollReceived
//	round2 = RangeReceived - PollAckSent
//	reply2 = RangeSent - PollAckReceived
//	tof    = (round1*round2 - reply1*reply2) / (round1 + round2 + reply1 + reply2)
//
// Every interval is taken modulo the counter period, so exchanges spanning a
// rollover are handled. Clock offset between the two devices cancels, and
// drift cancels to first order.
func TimeOfFlight(p *Peer) (float64, error) {
	round1 := float64(p.PollAckReceived.Since(p.PollSent))
	reply1 := float64(p.PollAckSent.Since(p.PollReceived))
	round2 := float64(p.RangeReceived.Since(p.PollAckSent))
	reply2 := float64(p.RangeSent.Since(p.PollAckReceived))

	den := round1 + round2 + reply1 + reply2
	if den == 0 {
		return 0, ErrDegenerateRange
	}
	tof := (round1*round2 - reply1*reply2) / den
	if math.IsNaN(tof) || math.IsInf(tof, 0) {
		return 0, ErrDegenerateRange
	}
	return tof, nil
}

// ComputeRange returns the uncorrected distance to p in metres.
func ComputeRange(p *Peer) (float64, error) {
	tof, err := TimeOfFlight(p)
	if err != nil {
		return 0, err
	}
	return dwtime.Meters(tof), nil
}
