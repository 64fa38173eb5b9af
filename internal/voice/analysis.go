package voice

import (
	"bytes"
	"fmt"
	"math"

	"github.com/go-audio/wav"
	"github.com/voicegate/voicegate/internal/protocol"
)

// Analysis holds the measurable signal properties of a reference clip.
type Analysis struct {
	Duration     float64 // seconds
	SampleRate   int
	Channels     int
	RMSLevelDB   float64 // overall loudness in dBFS
	SilenceRatio float64 // share of frames below the silence floor, 0..1
	BitDepth     int
	TotalSamples int
}

const (
	minDurationSeconds = 3.0
	maxUsableSeconds   = 30.0
	minSampleRate      = 16000
	highSampleRate     = 48000
	quietFloorDB       = -40.0
	clippingCeilingDB  = -6.0
	silenceFloorDB     = -45.0
	maxSilenceRatio    = 0.30
	frameMillis        = 50
)

// Analyze decodes a WAV clip and measures duration, format, loudness, and
// silence. Frame RMS below silenceFloorDB counts as silence.
func Analyze(data []byte) (Analysis, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return Analysis{}, protocol.NewError(protocol.KindValidation, protocol.CodeUnreadableAudio,
			"reference audio is not a readable WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Analysis{}, protocol.WrapError(protocol.KindValidation, protocol.CodeUnreadableAudio,
			"failed to decode reference audio", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return Analysis{}, protocol.NewError(protocol.KindValidation, protocol.CodeUnreadableAudio,
			"reference audio contains no samples")
	}

	sampleRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	if channels <= 0 {
		channels = 1
	}

	a := Analysis{
		SampleRate:   sampleRate,
		Channels:     channels,
		BitDepth:     bitDepth,
		TotalSamples: len(buf.Data),
	}
	if sampleRate > 0 {
		a.Duration = float64(len(buf.Data)) / float64(channels) / float64(sampleRate)
	}

	maxAmp := float64(int64(1) << (bitDepth - 1))
	frameLen := sampleRate * frameMillis / 1000 * channels
	if frameLen <= 0 {
		frameLen = len(buf.Data)
	}

	var (
		sumSquares   float64
		silentFrames int
		totalFrames  int
	)
	for start := 0; start < len(buf.Data); start += frameLen {
		end := start + frameLen
		if end > len(buf.Data) {
			end = len(buf.Data)
		}
		var frameSum float64
		for _, s := range buf.Data[start:end] {
			v := float64(s) / maxAmp
			frameSum += v * v
		}
		n := end - start
		frameRMS := math.Sqrt(frameSum / float64(n))
		if dbfs(frameRMS) < silenceFloorDB {
			silentFrames++
		}
		sumSquares += frameSum
		totalFrames++
	}
	a.RMSLevelDB = dbfs(math.Sqrt(sumSquares / float64(len(buf.Data))))
	if totalFrames > 0 {
		a.SilenceRatio = float64(silentFrames) / float64(totalFrames)
	}
	return a, nil
}

// Validate applies the acceptance gates and computes the quality score.
// Hard failures return a validation error; soft findings deduct from the
// score and surface as warnings.
func Validate(a Analysis) (score int, warnings []string, err error) {
	if a.Duration < minDurationSeconds {
		return 0, nil, protocol.NewError(protocol.KindValidation, protocol.CodeTooShort,
			fmt.Sprintf("reference audio is %.1fs; at least %.0fs required", a.Duration, minDurationSeconds))
	}
	if a.SampleRate < minSampleRate {
		return 0, nil, protocol.NewError(protocol.KindValidation, protocol.CodeSampleRateTooLow,
			fmt.Sprintf("sample rate %dHz below the %dHz minimum", a.SampleRate, minSampleRate))
	}

	score = 100
	if a.Duration > maxUsableSeconds {
		score -= 10
		warnings = append(warnings, fmt.Sprintf("clip longer than %.0fs; only the first %.0fs are used", maxUsableSeconds, maxUsableSeconds))
	}
	if a.SampleRate > highSampleRate {
		score -= 5
		warnings = append(warnings, "sample rate above 48kHz does not improve cloning quality")
	}
	if a.Channels > 1 {
		score -= 5
		warnings = append(warnings, "mono audio is preferred for voice cloning")
	}
	if a.RMSLevelDB < quietFloorDB {
		score -= 10
		warnings = append(warnings, "recording level is too quiet")
	} else if a.RMSLevelDB > clippingCeilingDB {
		score -= 10
		warnings = append(warnings, "recording level is too hot and may be clipping")
	}
	if a.SilenceRatio > maxSilenceRatio {
		score -= 15
		warnings = append(warnings, fmt.Sprintf("%.0f%% of the clip is silence", a.SilenceRatio*100))
	}
	if score < 0 {
		score = 0
	}
	return score, warnings, nil
}

func dbfs(rms float64) float64 {
	if rms <= 0 {
		return -96
	}
	return 20 * math.Log10(rms)
}
