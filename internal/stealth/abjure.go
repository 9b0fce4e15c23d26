package stealth

import (
	"errors"

	"github.com/Masterminds/semver/v3"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
)

// ErrDetectable is returned when launching unconcealed into a host that
// detects unconcealed engines.
var ErrDetectable = errors.New("host detects the engine when hiding is disabled")

// detectingEngine is the first host engine version that inspects loaded modules.
var detectingEngine = semver.MustParse("183.0.0")

// CheckDetection refuses a launch at HideDisabled against engines that
// would notice. Unknown or unparsable versions pass.
func CheckDetection(engineVersion string, level domain.HideLevel) error {
	if level != domain.HideDisabled || engineVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(engineVersion)
	if err != nil {
		return nil
	}
	if !v.LessThan(detectingEngine) {
		return ErrDetectable
	}
	return nil
}
