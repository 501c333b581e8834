package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"lateration-go/robust"
)

// Scenario describes one synthetic deployment and measurement run.
type Scenario struct {
	// Dimensions of the deployment, 2 or 3.
	Dimensions int `yaml:"dimensions"`

	// Sources is the number of emitters placed on a jittered grid.
	Sources int `yaml:"sources"`

	// Area is the side length of the deployment square in metres.
	Area float64 `yaml:"area"`

	// TxPowerDbm is the transmitted power assigned to every source.
	TxPowerDbm float64 `yaml:"tx_power_dbm"`

	// PathLossExponent used both to synthesize RSSI and to invert it.
	PathLossExponent float64 `yaml:"path_loss_exponent"`

	// NoiseStdDev is the Gaussian noise applied to every distance.
	NoiseStdDev float64 `yaml:"noise_stddev"`

	// OutlierFraction of readings gets an additional gross error drawn
	// from a zero-mean Gaussian with OutlierStdDev.
	OutlierFraction float64 `yaml:"outlier_fraction"`
	OutlierStdDev   float64 `yaml:"outlier_stddev"`

	// Method is the robust estimation policy for both streams.
	Method string `yaml:"method"`

	MaxIterations int     `yaml:"max_iterations"`
	Threshold     float64 `yaml:"threshold"`

	// Trials is the number of independent fingerprints to estimate.
	Trials int `yaml:"trials"`

	Seed int64 `yaml:"seed"`
}

func defaultScenario() Scenario {
	return Scenario{
		Dimensions:       2,
		Sources:          9,
		Area:             40,
		TxPowerDbm:       4,
		PathLossExponent: 2,
		NoiseStdDev:      0.1,
		OutlierFraction:  0.2,
		OutlierStdDev:    10,
		Method:           "promeds",
		MaxIterations:    robust.DefaultMaxIterations,
		Trials:           10,
		Seed:             1,
	}
}

func loadScenario(path string) (Scenario, error) {
	sc := defaultScenario()
	if path == "" {
		return sc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("reading scenario: %w", err)
	}
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return sc, fmt.Errorf("parsing scenario: %w", err)
	}
	return sc, sc.validate()
}

func (sc Scenario) validate() error {
	if sc.Dimensions != 2 && sc.Dimensions != 3 {
		return fmt.Errorf("dimensions must be 2 or 3, got %d", sc.Dimensions)
	}
	if sc.Sources < sc.Dimensions+1 {
		return fmt.Errorf("need at least %d sources, got %d", sc.Dimensions+1, sc.Sources)
	}
	if sc.Area <= 0 {
		return fmt.Errorf("area must be positive")
	}
	if sc.PathLossExponent <= 0 {
		return fmt.Errorf("path-loss exponent must be positive")
	}
	if sc.OutlierFraction < 0 || sc.OutlierFraction > 1 {
		return fmt.Errorf("outlier fraction must be in [0, 1]")
	}
	if sc.Trials < 1 {
		return fmt.Errorf("trials must be positive")
	}
	if _, err := robust.ParseMethod(sc.Method); err != nil {
		return err
	}
	return nil
}

func (sc Scenario) method() robust.Method {
	m, err := robust.ParseMethod(sc.Method)
	if err != nil {
		// validate already rejected unknown names.
		panic(err)
	}
	return m
}
