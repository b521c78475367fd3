package recycler

import (
	"github.com/gopmem/heapkit/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BuildStatsString populates a json object with information about this
// recycler, including per-run score entries.
func (r *Recycler) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	r.runs.Ascend(func(e Element) bool {
		stats.AddRun(int(r.unitsPerRun), int(e.FreeSpace), int(e.MaxFreeBlock))
		return true
	})

	obj.Name("TrackedRuns").Int(r.runs.Len())
	obj.Name("PendingRuns").Int(r.pending.Count())
	obj.Name("UnaccountedUnits").Int(int(r.unaccountedUnits.Load()))
	obj.Name("FreeUnits").Int(stats.FreeUnits)
	obj.Name("MaxFreeBlock").Int(stats.MaxFreeBlock)

	runsArray := obj.Name("Runs").Array()
	r.runs.Ascend(func(e Element) bool {
		runObj := runsArray.Object()
		runObj.Name("ZoneID").Int(int(e.ZoneID))
		runObj.Name("ChunkID").Int(int(e.ChunkID))
		runObj.Name("FreeSpace").Int(int(e.FreeSpace))
		runObj.Name("MaxFreeBlock").Int(int(e.MaxFreeBlock))
		runObj.End()
		return true
	})
	runsArray.End()
}
