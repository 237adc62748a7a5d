package evaluate

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	passRateRe    = regexp.MustCompile(`Passing Rate:\s*([\d.]+)%`)
	performanceRe = regexp.MustCompile(`Smallest/Average/Largest Performance\s*=\s*([\d.]+)\s*Gflops,\s*([\d.]+)\s*Gflops,\s*([\d.]+)\s*Gflops`)
	singlePerfRe  = regexp.MustCompile(`Performance\s*=\s*([\d.]+)\s*Gflops`)
	errNoMetrics  = errors.New("no pass rate or performance figures in output")
)

// Metrics are the figures reported by one benchmark run.
type Metrics struct {
	PassRate float64 `json:"pass_rate"` // fraction in [0,1]
	Min      float64 `json:"min_gflops"`
	Mean     float64 `json:"mean_gflops"`
	Max      float64 `json:"max_gflops"`
}

// Baseline holds the reference performance figures (min, mean, max) the
// score is normalized against.
type Baseline struct {
	Min  float64 `json:"min" yaml:"min" mapstructure:"min"`
	Mean float64 `json:"mean" yaml:"mean" mapstructure:"mean"`
	Max  float64 `json:"max" yaml:"max" mapstructure:"max"`
}

// DefaultBaseline is the all-double reference measurement.
func DefaultBaseline() Baseline {
	return Baseline{Min: 4.5471, Mean: 7.5516, Max: 9.6609}
}

// ParseMetrics extracts the pass rate and the smallest/average/largest
// performance from benchmark output. When the summary line is missing, the
// figures are derived from the individual "Performance = x Gflops" lines.
func ParseMetrics(output string) (Metrics, error) {
	var m Metrics
	var foundRate, foundPerf bool

	lines := strings.Split(output, "\n")
	for _, line := range lines {
		if match := passRateRe.FindStringSubmatch(line); match != nil {
			if v, err := strconv.ParseFloat(match[1], 64); err == nil {
				m.PassRate = v / 100
				foundRate = true
			}
		}
		if match := performanceRe.FindStringSubmatch(line); match != nil {
			vals, ok := parseFloats(match[1:])
			if ok {
				m.Min, m.Mean, m.Max = vals[0], vals[1], vals[2]
				foundPerf = true
			}
		}
	}

	if !foundPerf || (m.Min == 0 && m.Mean == 0 && m.Max == 0) {
		var perfs []float64
		for _, line := range lines {
			if strings.Contains(line, "Smallest/Average/Largest") {
				continue
			}
			if match := singlePerfRe.FindStringSubmatch(line); match != nil {
				if v, err := strconv.ParseFloat(match[1], 64); err == nil {
					perfs = append(perfs, v)
				}
			}
		}
		if len(perfs) > 0 {
			m.Min, m.Max = perfs[0], perfs[0]
			sum := 0.0
			for _, v := range perfs {
				sum += v
				if v < m.Min {
					m.Min = v
				}
				if v > m.Max {
					m.Max = v
				}
			}
			m.Mean = sum / float64(len(perfs))
			foundPerf = true
		}
	}

	if !foundRate && !foundPerf {
		return Metrics{}, errNoMetrics
	}
	return m, nil
}

func parseFloats(ss []string) ([]float64, bool) {
	out := make([]float64, len(ss))
	for i, s := range ss {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// Score combines correctness and throughput into the benchmark mark:
//
//	flopsMarks = 100 × (0.6·max/maxB + 0.3·mean/meanB + 0.1·min/minB) / 2
//	score      = passRate × 100 × 0.4 + flopsMarks × 0.6
func Score(m Metrics, b Baseline) float64 {
	flopsMarks := 100 * (0.6*m.Max/b.Max + 0.3*m.Mean/b.Mean + 0.1*m.Min/b.Min) / 2
	return m.PassRate*100*0.4 + flopsMarks*0.6
}

// Fitness is the minimized form of Score.
func Fitness(m Metrics, b Baseline) float64 {
	return -Score(m, b)
}
