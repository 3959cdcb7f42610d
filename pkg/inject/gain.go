package inject

import (
	"math"

	"github.com/itohio/goert/pkg/hw"
)

// SelectGain returns the narrowest gain whose full scale exceeds amplitude.
func SelectGain(amplitude float64) hw.Gain {
	amplitude = math.Abs(amplitude)
	gains := hw.Gains()
	chosen := gains[0]
	for _, g := range gains {
		if g.FullScale() > amplitude {
			chosen = g
		}
	}
	return chosen
}

// resetGains sets every input to the widest range.
func (c *Controller) resetGains() error {
	widest := hw.Gains()[0]
	for _, ch := range []hw.Channel{hw.Current, hw.VoltagePos, hw.VoltageNeg} {
		if err := c.src.SetGain(ch, widest); err != nil {
			return err
		}
	}
	return nil
}

// selectGains waits for the injection to settle, reads uncalibrated samples
// at the widest range and applies the narrowest fitting gain to the current
// and sense inputs.
func (c *Controller) selectGains(s Sense) (gi, gv hw.Gain, err error) {
	if err := c.resetGains(); err != nil {
		return gi, gv, err
	}
	c.clock.Sleep(c.cfg.SettleTime)

	ai, err := c.src.Read(hw.Current)
	if err != nil {
		return gi, gv, err
	}
	av, err := c.src.Read(s.Channel)
	if err != nil {
		return gi, gv, err
	}

	gi, gv = SelectGain(ai), SelectGain(av)
	if err := c.src.SetGain(hw.Current, gi); err != nil {
		return gi, gv, err
	}
	if err := c.src.SetGain(s.Channel, gv); err != nil {
		return gi, gv, err
	}
	return gi, gv, nil
}
