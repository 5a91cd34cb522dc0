package anacrolix

import (
	"time"

	"torrentjobs/internal/domain"
)

type slotCandidate struct {
	id       domain.JobID
	paused   bool
	complete bool
}

type slotPlan struct {
	download bool
	upload   bool
}

// planSlots grants transfer slots in admission order. Paused jobs never hold
// a slot; a zero limit means unlimited.
func planSlots(candidates []slotCandidate, maxDownloads, maxUploads int) map[domain.JobID]slotPlan {
	plan := make(map[domain.JobID]slotPlan, len(candidates))
	downloads, uploads := 0, 0
	for _, c := range candidates {
		if c.paused {
			plan[c.id] = slotPlan{}
			continue
		}
		var p slotPlan
		if !c.complete && (maxDownloads <= 0 || downloads < maxDownloads) {
			p.download = true
			downloads++
		}
		if maxUploads <= 0 || uploads < maxUploads {
			p.upload = true
			uploads++
		}
		plan[c.id] = p
	}
	return plan
}

func (s *session) slotsLimited() bool {
	return s.cfg.MaxActiveDownloads > 0 || s.cfg.MaxActiveUploads > 0
}

// rebalanceLocked applies the slot plan to every unpaused torrent. Caller
// must hold s.mu.
func (s *session) rebalanceLocked() {
	if !s.slotsLimited() {
		return
	}
	candidates := make([]slotCandidate, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		candidates = append(candidates, slotCandidate{
			id:       id,
			paused:   j.paused.Load(),
			complete: s.status(j) == domain.JobCompleted,
		})
	}
	plan := planSlots(candidates, s.cfg.MaxActiveDownloads, s.cfg.MaxActiveUploads)
	for _, c := range candidates {
		if c.paused {
			continue
		}
		t := s.jobs[c.id].t
		p := plan[c.id]
		if p.download {
			t.AllowDataDownload()
		} else {
			t.DisallowDataDownload()
		}
		if p.upload {
			t.AllowDataUpload()
		} else {
			t.DisallowDataUpload()
		}
	}
}

// startRebalancer re-plans periodically so slots freed by completed
// downloads are handed to queued jobs.
func (s *session) startRebalancer(interval time.Duration) {
	if !s.slotsLimited() || interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				s.rebalanceLocked()
				s.mu.Unlock()
			}
		}
	}()
}
