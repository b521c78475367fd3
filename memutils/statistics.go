package memutils

import "math"

// Statistics describes a population of runs: how many there are, how many
// allocation units they cover, and how many of those units are free.
type Statistics struct {
	RunCount   int
	TotalUnits int
	FreeUnits  int
}

func (s *Statistics) Clear() {
	s.RunCount = 0
	s.TotalUnits = 0
	s.FreeUnits = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RunCount += other.RunCount
	s.TotalUnits += other.TotalUnits
	s.FreeUnits += other.FreeUnits
}

// DetailedStatistics additionally tracks the spread of free space across the
// population and the largest contiguous free block seen in any single run.
type DetailedStatistics struct {
	Statistics
	MaxFreeBlock int
	RunFreeMin   int
	RunFreeMax   int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.MaxFreeBlock = 0
	s.RunFreeMin = math.MaxInt
	s.RunFreeMax = 0
}

// AddRun folds a single run's free-unit count and largest free block into the
// statistics. totalUnits is the run's capacity.
func (s *DetailedStatistics) AddRun(totalUnits, freeUnits, maxFreeBlock int) {
	s.RunCount++
	s.TotalUnits += totalUnits
	s.FreeUnits += freeUnits

	if maxFreeBlock > s.MaxFreeBlock {
		s.MaxFreeBlock = maxFreeBlock
	}

	if freeUnits < s.RunFreeMin {
		s.RunFreeMin = freeUnits
	}

	if freeUnits > s.RunFreeMax {
		s.RunFreeMax = freeUnits
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)

	if other.MaxFreeBlock > s.MaxFreeBlock {
		s.MaxFreeBlock = other.MaxFreeBlock
	}

	if other.RunFreeMin < s.RunFreeMin {
		s.RunFreeMin = other.RunFreeMin
	}

	if other.RunFreeMax > s.RunFreeMax {
		s.RunFreeMax = other.RunFreeMax
	}
}
