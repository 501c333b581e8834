// Command simulate runs the sequential estimator against synthetic
// deployments and reports recovery accuracy per trial.
package main

import (
	"flag"
	"log/slog"
	"math"
	"math/rand"
	"os"

	"github.com/google/uuid"

	"lateration-go/fusion"
	"lateration-go/radio"
)

func main() {
	scenarioPath := flag.String("scenario", "", "Scenario YAML path (defaults apply when empty)")
	verbose := flag.Bool("v", false, "Log estimation progress")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		log.Error("invalid scenario", "err", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(sc.Seed))
	sources := deploySources(sc, rng)
	log.Info("deployment ready",
		"sources", len(sources), "area", sc.Area, "method", sc.Method)

	errSum := 0.0
	failed := 0
	for trial := 0; trial < sc.Trials; trial++ {
		target := randomPoint(sc, rng)
		fp, scores := synthesizeFingerprint(sc, sources, target, rng)

		est, err := buildEstimator(sc, sources, fp, scores, log)
		if err != nil {
			log.Error("building estimator", "err", err)
			os.Exit(1)
		}

		res, err := est.Estimate()
		if err != nil {
			log.Warn("estimation failed", "trial", trial, "err", err)
			failed++
			continue
		}

		posErr := distance(res.Position, target)
		errSum += posErr
		attrs := []any{
			"trial", trial,
			"error_m", posErr,
		}
		if in := est.RangingInliers(); in != nil {
			attrs = append(attrs, "ranging_inliers", in.NumInliers())
		}
		if in := est.RSSIInliers(); in != nil {
			attrs = append(attrs, "rssi_inliers", in.NumInliers())
		}
		log.Info("trial done", attrs...)
	}

	ok := sc.Trials - failed
	if ok == 0 {
		log.Error("no trial reached consensus")
		os.Exit(1)
	}
	log.Info("simulation done", "trials", sc.Trials, "failed", failed, "mean_error_m", errSum/float64(ok))
}

func buildEstimator(sc Scenario, sources []*radio.Source, fp *radio.Fingerprint,
	scores []float64, log *slog.Logger) (*fusion.Estimator, error) {

	cfg := fusion.DefaultConfig(sc.Dimensions)
	cfg.Sources = sources
	cfg.Fingerprint = fp
	cfg.DefaultPathLossExponent = sc.PathLossExponent
	cfg.Ranging.Method = sc.method()
	cfg.RSSI.Method = sc.method()
	cfg.Ranging.MaxIterations = sc.MaxIterations
	cfg.RSSI.MaxIterations = sc.MaxIterations
	cfg.Ranging.Threshold = sc.Threshold
	cfg.RSSI.Threshold = sc.Threshold
	seed := sc.Seed
	cfg.Seed = &seed
	if sc.method().UsesQualityScores() {
		cfg.ReadingQualityScores = scores
	}
	cfg.Listener = fusion.ListenerFuncs{
		Progress: func(_ *fusion.Estimator, f float64) {
			log.Debug("estimating", "progress", f)
		},
	}
	return fusion.NewEstimator(cfg)
}

// deploySources places sources on a jittered grid covering the area.
func deploySources(sc Scenario, rng *rand.Rand) []*radio.Source {
	side := int(math.Ceil(math.Sqrt(float64(sc.Sources))))
	step := sc.Area / float64(side)
	sources := make([]*radio.Source, 0, sc.Sources)
	for i := 0; len(sources) < sc.Sources; i++ {
		pos := []float64{
			(float64(i%side) + 0.5 + 0.3*rng.NormFloat64()) * step,
			(float64(i/side) + 0.5 + 0.3*rng.NormFloat64()) * step,
		}
		if sc.Dimensions == 3 {
			pos = append(pos, rng.Float64()*sc.Area/4)
		}
		s, err := radio.NewSourceWithPathLoss(uuid.NewString(), pos, sc.TxPowerDbm, sc.PathLossExponent)
		if err != nil {
			panic(err)
		}
		sources = append(sources, s)
	}
	return sources
}

func randomPoint(sc Scenario, rng *rand.Rand) []float64 {
	p := make([]float64, sc.Dimensions)
	for i := range p {
		p[i] = rng.Float64() * sc.Area
	}
	if sc.Dimensions == 3 {
		p[2] /= 4
	}
	return p
}

// synthesizeFingerprint draws one noisy ranging-and-RSSI reading per source
// and injects gross errors on a random fraction of them. The returned
// quality scores penalize corrupted readings the way a link-quality
// indicator would.
func synthesizeFingerprint(sc Scenario, sources []*radio.Source, target []float64,
	rng *rand.Rand) (*radio.Fingerprint, []float64) {

	readings := make([]radio.Reading, 0, len(sources))
	scores := make([]float64, 0, len(sources))
	for _, s := range sources {
		d := distance(s.Position, target) + sc.NoiseStdDev*rng.NormFloat64()
		gross := 0.0
		if rng.Float64() < sc.OutlierFraction {
			gross = sc.OutlierStdDev * rng.NormFloat64()
		}
		d = math.Max(0.01, d+gross)

		k := radio.SpeedOfLight / (4 * math.Pi * s.Frequency)
		rssi := s.TransmittedPower + 20*math.Log10(k) - 10*sc.PathLossExponent*math.Log10(d)

		r, err := radio.NewRangingAndRSSIReading(s, d, sc.NoiseStdDev, rssi, sc.NoiseStdDev)
		if err != nil {
			panic(err)
		}
		readings = append(readings, r)
		scores = append(scores, 1/(1+math.Abs(gross))+0.05*rng.Float64())
	}
	fp, err := radio.NewFingerprint(readings)
	if err != nil {
		panic(err)
	}
	return fp, scores
}

func distance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
