package uplink

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/rolecoach/pkg/audio"
)

// streamResampler converts the continuous mono microphone stream to the
// send rate. Filter state carries over between buffers, so the output has
// no seams at buffer boundaries but lags the input by the filter delay.
type streamResampler struct {
	srcRate int
	dstRate int
	r       resampling.Resampler
}

func newStreamResampler(srcRate, dstRate int) (*streamResampler, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("uplink: resampler %d->%d Hz: %w", srcRate, dstRate, err)
	}
	return &streamResampler{srcRate: srcRate, dstRate: dstRate, r: r}, nil
}

// process returns the resampled samples available so far. The result may
// be empty while the filter fills.
func (s *streamResampler) process(in []int16) ([]int16, error) {
	x := make([]float64, len(in))
	for i, v := range in {
		x[i] = float64(v) / 32768
	}
	y, err := s.r.Process(x)
	if err != nil {
		return nil, fmt.Errorf("uplink: resample: %w", err)
	}
	out := make([]int16, len(y))
	for i, v := range y {
		out[i] = audio.FloatToInt16(float32(v))
	}
	return out, nil
}
