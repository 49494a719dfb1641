package usm

import (
	"fmt"

	"github.com/debashish-mukherjee/go-snmpusm/internal/enginetime"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// CheckAndUpdateTimeliness decides whether an authenticated message claiming boots and
// engineTime for engineID is fresh. For remote engines an admissible message also
// advances the registry.
func (c *Context) CheckAndUpdateTimeliness(engineID []byte, boots, engineTime uint32) error {
	if c.Local.IsLocal(engineID) {
		localBoots, localTime := c.localBootsTime()
		if boots != localBoots || boots == v3.MaxBoots || absDiff(localTime, engineTime) > TimeWindow {
			return c.fail(StatNotInTimeWindows, ErrNotInTimeWindow,
				"local boots/time %d/%d, message %d/%d", localBoots, localTime, boots, engineTime)
		}
		return nil
	}

	c.timeliness.Lock()
	defer c.timeliness.Unlock()

	their, err := c.Engines.Lookup(engineID, true)
	if err != nil {
		c.logger.Printf("usm: timeliness check for unregistered engine %x: %v", engineID, err)
		return fmt.Errorf("%w: %v", ErrGeneric, err)
	}
	if their.Boots == enginetime.MaxValue || their.Boots > boots {
		return fmt.Errorf("%w: engine %x boots %d, message %d", ErrNotInTimeWindow, engineID, their.Boots, boots)
	}
	if their.Boots == boots && engineTime < their.LatestReceivedTime {
		if absDiff(their.Time, engineTime) > TimeWindow {
			return fmt.Errorf("%w: engine %x time %d, message %d", ErrNotInTimeWindow, engineID, their.Time, engineTime)
		}
		return nil
	}
	if err := c.Engines.Set(engineID, boots, engineTime, true); err != nil {
		return fmt.Errorf("%w: %v", ErrGeneric, err)
	}
	return nil
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
