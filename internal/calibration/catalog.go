package calibration

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meridian-obs/contimg/internal/types"
)

// Calibrator is one catalog entry. Aliases cover the survey designations a
// telescope scheduler might embed in file names (e.g. "1331+305" for 3C286).
type Calibrator struct {
	Name    string   `yaml:"name"`
	RADeg   float64  `yaml:"ra_deg"`
	DecDeg  float64  `yaml:"dec_deg"`
	FluxJy  float64  `yaml:"flux_jy"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// Catalog is the set of known calibrators loaded from calibrators.yaml.
type Catalog struct {
	Calibrators []Calibrator `yaml:"calibrators"`
}

// LoadCatalog reads a calibrator catalog. A missing file is reported with
// os.ErrNotExist so callers can degrade to no matching.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibrator catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse calibrator catalog %s: %w", path, err)
	}
	for i, cal := range c.Calibrators {
		if cal.Name == "" {
			return nil, fmt.Errorf("calibrator catalog %s: entry %d has no name", path, i)
		}
		if cal.RADeg < 0 || cal.RADeg >= 360 {
			return nil, fmt.Errorf("calibrator %s: ra_deg %v out of [0, 360)", cal.Name, cal.RADeg)
		}
		if cal.DecDeg < -90 || cal.DecDeg > 90 {
			return nil, fmt.Errorf("calibrator %s: dec_deg %v out of [-90, 90]", cal.Name, cal.DecDeg)
		}
	}
	return &c, nil
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.Calibrators) }

// Match scans s (a field name or file path) for a known calibrator name or
// alias, case-insensitively. The longest matching token wins, so "3C286"
// is preferred over a shorter entry that also happens to appear. The
// returned separation is measured from the given pointing to the catalog
// position. This is a declared heuristic, not an authoritative join: a
// path that merely mentions a calibrator will match.
func (c *Catalog) Match(s string, raDeg, decDeg float64) *types.CalibratorMatch {
	haystack := strings.ToLower(s)

	var best *Calibrator
	bestLen := 0
	for i := range c.Calibrators {
		cal := &c.Calibrators[i]
		for _, token := range append([]string{cal.Name}, cal.Aliases...) {
			if token == "" {
				continue
			}
			if strings.Contains(haystack, strings.ToLower(token)) && len(token) > bestLen {
				best = cal
				bestLen = len(token)
			}
		}
	}
	if best == nil {
		return nil
	}
	return &types.CalibratorMatch{
		Name:          best.Name,
		FluxJy:        best.FluxJy,
		SeparationDeg: Separation(raDeg, decDeg, best.RADeg, best.DecDeg),
	}
}

// Separation returns the angular separation in degrees between two sky
// positions, via the haversine form for stability at small angles.
func Separation(ra1, dec1, ra2, dec2 float64) float64 {
	const d2r = math.Pi / 180
	sdRA := math.Sin((ra2 - ra1) * d2r / 2)
	sdDec := math.Sin((dec2 - dec1) * d2r / 2)
	a := sdDec*sdDec + math.Cos(dec1*d2r)*math.Cos(dec2*d2r)*sdRA*sdRA
	return 2 * math.Asin(math.Min(1, math.Sqrt(a))) / d2r
}
