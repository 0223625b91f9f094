package anacrolix

import (
	"github.com/anacrolix/torrent"

	"modelswarm/internal/domain"
)

// mapPriority folds the 0..7 file priority scale onto anacrolix piece
// priorities. Anything above skip downloads; higher values jump the queue.
func mapPriority(prio domain.FilePriority) torrent.PiecePriority {
	switch {
	case prio <= domain.PrioritySkip:
		return torrent.PiecePriorityNone
	case prio >= domain.PriorityTop:
		return torrent.PiecePriorityNow
	case prio >= 6:
		return torrent.PiecePriorityNext
	case prio >= 5:
		return torrent.PiecePriorityReadahead
	default:
		return torrent.PiecePriorityNormal
	}
}
