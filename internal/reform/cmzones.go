package reform

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/zsiec/tsreform/internal/config"
)

var errNotPrepared = errors.New("reform: timeline not prepared")

func validateZones(zones []CMZone, divs []int, n int) error {
	for i, z := range zones {
		if z.Start < 0 || z.End > n || z.Start >= z.End {
			return fmt.Errorf("%w: zone %d [%d,%d) outside [0,%d)", ErrInvalidCMZones, i, z.Start, z.End, n)
		}
		if i > 0 && z.Start < zones[i-1].End {
			return fmt.Errorf("%w: zone %d overlaps or precedes zone %d", ErrInvalidCMZones, i, i-1)
		}
	}
	prev := 0
	for i, d := range divs {
		if d < prev || d > n {
			return fmt.Errorf("%w: division %d at frame %d out of order", ErrInvalidCMZones, i, d)
		}
		prev = d
	}
	return nil
}

// ApplyCMZones marks the filter frames inside zones as CM and partitions
// the timeline into output files. Files break at format segments, at
// every division point and at zone edges; the parts of one division with
// the same format and CM type are joined into a single file.
func (r *StreamReformInfo) ApplyCMZones(zones []CMZone, divs []int) error {
	if !r.prepared {
		return errNotPrepared
	}
	n := len(r.filterFrames)
	if err := validateZones(zones, divs, n); err != nil {
		return &FormatError{Op: "cmzones", Err: err}
	}
	r.cmZones = slices.Clone(zones)
	r.divs = slices.Clone(divs)

	for i := range r.filterFrames {
		r.filterFrames[i].CMType = CMTypeMain
	}
	for _, z := range zones {
		for i := z.Start; i < z.End; i++ {
			r.filterFrames[i].CMType = CMTypeCM
		}
	}

	bounds := []int{0, n}
	for _, f := range r.formats {
		bounds = append(bounds, f.Start)
	}
	bounds = append(bounds, divs...)
	for _, z := range zones {
		bounds = append(bounds, z.Start, z.End)
	}
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)

	byKey := make(map[EncodeFileKey]*EncodeFileInput)
	var keys []EncodeFileKey
	for i := 0; i+1 < len(bounds); i++ {
		start, end := bounds[i], bounds[i+1]
		if start >= end {
			continue
		}
		seg := r.formatAt(start)
		key := EncodeFileKey{
			Video:  r.formats[seg].Video,
			Format: seg,
			Div:    sort.SearchInts(divs, start+1),
			CM:     r.filterFrames[start].CMType,
		}
		file, ok := byKey[key]
		if !ok {
			file = &EncodeFileInput{Key: key}
			byKey[key] = file
			keys = append(keys, key)
		}
		if k := len(file.Ranges); k > 0 && file.Ranges[k-1].End == start {
			file.Ranges[k-1].End = end
		} else {
			file.Ranges = append(file.Ranges, Range{Start: start, End: end})
		}
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].less(keys[b]) })

	r.files = r.files[:0]
	r.skipped = r.skipped[:0]
	r.audioDiff = AudioDiffInfo{BasePts: r.modPTS[r.ordered[0]]}
	minDuration := config.Ticks(r.cfg.MinOutputDuration)
	for _, key := range keys {
		file := byKey[key]
		for _, rg := range file.Ranges {
			for i := rg.Start; i < rg.End; i++ {
				file.Duration += r.filterFrames[i].FrameDuration
			}
		}
		if file.Duration < minDuration {
			r.log.Info("output too short, skipped", "file", key.String(),
				"frames", file.NumFrames(), "duration", ticksToDuration(float64(file.Duration)))
			r.skipped = append(r.skipped, key)
			continue
		}
		r.genAudio(file)
		r.genCaptions(file)
		file.StartTime = r.startTime(file)
		r.audioDiff.add(file.AudioDiff)
		r.files = append(r.files, file)
	}

	r.log.Info("timeline partitioned", "zones", len(zones), "divs", len(divs),
		"files", len(r.files), "skipped", len(r.skipped))
	return nil
}

// CMZones returns the zones of the current partition.
func (r *StreamReformInfo) CMZones() []CMZone { return r.cmZones }

// Divs returns the division points of the current partition.
func (r *StreamReformInfo) Divs() []int { return r.divs }
