// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/hlsingest/internal/log"
	"github.com/ManuGH/hlsingest/internal/metrics"
	"github.com/ManuGH/hlsingest/internal/resilience"
)

// starvedGap is the download lead, in segments, under which reloads run at
// the fastest pace regardless of backoff.
const starvedGap = 3

// runReloader re-fetches a live playlist until Close or until it ends.
func (e *Engine) runReloader() {
	defer e.wg.Done()

	tries := 0
	next := e.reloadInterval(1)
	for {
		e.reloadEvery.Store(int64(next))
		if !sleepOn(e.ctx, nil, next) {
			return
		}

		added, ended, err := e.reload()
		if ended {
			e.reloaderLog.Info().Str(log.FieldEvent, evEndList).Msg("playlist ended, reloads stop")
			e.store.setLive(false)
			e.dl.wake.broadcast()
			e.readWake.broadcast()
			return
		}

		productive := err == nil && added > 0
		if productive {
			e.dl.wake.broadcast()
		}
		var factor float64
		tries, factor = reloadBackoff(tries, productive, e.downloadLead())
		next = e.reloadInterval(factor)
		e.reloaderLog.Debug().
			Int("added", added).
			Int("tries", tries).
			Dur("next", next).
			Msg("playlist reloaded")
	}
}

// reloadBackoff returns the tries counter and target-duration multiple for
// the next reload. A productive reload resets to 1x; a starved reader, with
// fewer than starvedGap segments buffered, resets to 0.5x.
func reloadBackoff(tries int, productive bool, lead int) (int, float64) {
	if productive {
		return 0, 1
	}
	if lead < starvedGap {
		return 0, 0.5
	}
	tries++
	return tries, backoffFactor(tries)
}

// backoffFactor maps consecutive unproductive reloads to a multiple of the
// target duration.
func backoffFactor(tries int) float64 {
	switch {
	case tries <= 1:
		return 0.5
	case tries == 2:
		return 1
	default:
		return 1.5
	}
}

func (e *Engine) downloadLead() int {
	e.dl.mu.Lock()
	defer e.dl.mu.Unlock()
	return e.dl.segment - e.pb.segment
}

// reloadInterval scales the current rendition's target duration, falling
// back to its longest segment and then to one second.
func (e *Engine) reloadInterval(factor float64) time.Duration {
	e.dl.mu.Lock()
	si := e.dl.stream
	e.dl.mu.Unlock()

	s := e.store.stream(si)
	seconds := s.target()
	if seconds <= 0 {
		seconds = s.maxSegmentDuration()
	}
	if seconds <= 0 {
		return time.Second
	}
	return time.Duration(factor * float64(seconds) * float64(time.Second))
}

// reload fetches, parses and merges one playlist generation through the
// reload breaker.
func (e *Engine) reload() (added int, ended bool, err error) {
	err = e.breaker.Execute(e.ctx, func(ctx context.Context) error {
		data, err := readPlaylist(ctx, e.fetcher, e.url)
		if err != nil {
			return err
		}
		fresh := &Store{}
		if err := e.parser.parse(ctx, data, e.url, fresh); err != nil {
			return err
		}
		added = e.store.merge(fresh, e.reloaderLog)
		ended = !fresh.isLive()
		return nil
	})

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.IncPlaylistReload(metrics.ReloadCircuitOpen)
		e.reloaderLog.Debug().Msg("reload skipped, breaker open")
	case err != nil:
		if e.ctx.Err() == nil {
			metrics.IncPlaylistReload(metrics.ReloadFailed)
			e.reloaderLog.Warn().Err(err).Str(log.FieldEvent, evReloadFailed).Msg("playlist reload failed")
		}
	case ended:
		metrics.IncPlaylistReload(metrics.ReloadEnded)
	case added > 0:
		metrics.IncPlaylistReload(metrics.ReloadUpdated)
	default:
		metrics.IncPlaylistReload(metrics.ReloadUnchanged)
	}
	return added, ended, err
}
