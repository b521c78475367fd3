package arena

import (
	"github.com/gopmem/heapkit/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// AddStatistics sums the arena's run population into the provided statistics.
// Totals use the authoritative chunk-header unit counts, free units use each
// run's cached derived state.
func (a *Arena) AddStatistics(stats *memutils.Statistics) {
	for zoneID := range a.zones {
		for chunkID := range a.zones[zoneID].chunks {
			c := &a.zones[zoneID].chunks[chunkID]

			c.run.lock.Lock()
			freeUnits := c.run.freeUnits
			c.run.lock.Unlock()

			stats.RunCount++
			stats.TotalUnits += int(c.header.SizeIdx)
			stats.FreeUnits += int(freeUnits)
		}
	}
}

// BuildStatsString populates a json object with information about this arena
func (a *Arena) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	var stats memutils.Statistics
	stats.Clear()
	a.AddStatistics(&stats)

	obj.Name("Zones").Int(int(a.zoneCount))
	obj.Name("ChunksPerZone").Int(int(a.chunksPerZone))
	obj.Name("UnitsPerRun").Int(int(a.unitsPerRun))
	obj.Name("UnitSize").Int(int(a.unitSize))
	obj.Name("TotalUnits").Int(stats.TotalUnits)
	obj.Name("FreeUnits").Int(stats.FreeUnits)
}
