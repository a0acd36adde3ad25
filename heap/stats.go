package heap

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats is a snapshot of heap accounting.
type Stats struct {
	Objects          int
	Bytes            int
	YoungBytes       int
	OldBytes         int
	NextGC           int
	MinorCollections int
	MajorCollections int
	Freed            uint64
	FreedBytes       uint64
	Remembered       int
	Phase            Phase
}

// Stats returns current accounting, after unlinking values released since
// the last call.
func (h *Heap) Stats() Stats {
	h.drain()
	return Stats{
		Objects:          h.objects,
		Bytes:            h.bytes,
		YoungBytes:       h.young,
		OldBytes:         h.old,
		NextGC:           h.nextGC,
		MinorCollections: h.minor,
		MajorCollections: h.major,
		Freed:            h.freed,
		FreedBytes:       h.freedSize,
		Remembered:       len(h.remember),
		Phase:            h.phase,
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%d objects, %s in use (%s young, %s old), next gc at %s, %d minor/%d major, %d freed (%s)",
		s.Objects,
		humanize.Bytes(uint64(s.Bytes)),
		humanize.Bytes(uint64(s.YoungBytes)),
		humanize.Bytes(uint64(s.OldBytes)),
		humanize.Bytes(uint64(s.NextGC)),
		s.MinorCollections, s.MajorCollections,
		s.Freed, humanize.Bytes(s.FreedBytes))
}
