package sink

import (
	"context"
	"fmt"

	"codeberg.org/mutker/loadctl/internal/logger"
	"codeberg.org/mutker/loadctl/internal/sample"
)

// Console reports each sample as a progress line through the logger
type Console struct {
	log    logger.Logger
	layout sample.Layout
}

var _ sample.Recorder = (*Console)(nil)

func NewConsole(log logger.Logger, layout sample.Layout) *Console {
	return &Console{log: log, layout: layout}
}

func (c *Console) Record(_ context.Context, s *sample.Sample) error {
	c.log.Info().Msg(c.line(s))
	return nil
}

func (c *Console) line(s *sample.Sample) string {
	readings := fmt.Sprintf("%7.4f V | %6.3f A | %7.3f mAh | %7.4f Wh",
		s.Voltage, s.Current, s.Capacity, s.Energy)

	if c.layout == sample.LayoutCycle {
		return fmt.Sprintf("%03d %-7s %6.1fs | %s", s.Cycle, s.Phase, s.Elapsed.Seconds(), readings)
	}

	return fmt.Sprintf("%6.1fs | %s", s.RunElapsed.Seconds(), readings)
}

func (*Console) Close() error {
	return nil
}
