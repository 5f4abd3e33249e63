package config

import (
	"fmt"
	"strings"

	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/tickclock"
)

// validator accumulates every offending config path so a single startup
// failure reports the full set instead of the first one found.
type validator struct {
	problems []string
}

func newValidator() *validator {
	return &validator{}
}

func (v *validator) missing(path string) {
	v.problems = append(v.problems, path+": required")
}

func (v *validator) bad(path, reason string) {
	v.problems = append(v.problems, path+": "+reason)
}

func (v *validator) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return faults.Config(faults.Newf("invalid configuration: %s", strings.Join(v.problems, "; ")))
}

func (v *validator) validateFile(fc *fileConfig) {
	if fc.Software == nil {
		v.missing("software")
	} else {
		if fc.Software.Name == "" {
			v.missing("software.name")
		}
		if fc.Software.Version == "" {
			v.missing("software.version")
		}
	}

	if fc.Eddn == nil {
		v.missing("eddn")
	} else {
		if fc.Eddn.GameVersion == "" {
			v.missing("eddn.game_version")
		}
		if fc.Eddn.GameBuild == "" {
			v.missing("eddn.game_build")
		}
	}

	if fc.Capi == nil {
		v.missing("capi")
	} else {
		if fc.Capi.ClientID == "" {
			v.missing("capi.client_id")
		}
		if fc.Capi.RedirectURL == "" {
			v.missing("capi.redirect_url")
		}
	}

	if fc.Discord == nil {
		v.missing("discord")
	} else {
		v.validateDiscord(fc.Discord)
	}

	if fc.Timings == nil {
		v.missing("timings")
	} else {
		v.validateTimings(fc.Timings)
	}
}

func (v *validator) validateDiscord(d *Discord) {
	ids := []struct {
		path string
		id   int64
	}{
		{"discord.hauler_role_id", d.HaulerRoleID},
		{"discord.depot_role_id", d.DepotRoleID},
		{"discord.rescue_role_id", d.RescueRoleID},
		{"discord.restock_channel_id", d.RestockChannelID},
		{"discord.rescue_channel_id", d.RescueChannelID},
		{"discord.alert_channel_id", d.AlertChannelID},
		{"discord.main_guild_id", d.MainGuildID},
	}
	for _, f := range ids {
		if f.id <= 0 {
			v.missing(f.path)
		}
	}
}

func (v *validator) validateTimings(t *rawTimings) {
	positives := []struct {
		path string
		val  *int
	}{
		{"timings.market_expiry", t.MarketExpiry},
		{"timings.market_warning", t.MarketWarning},
		{"timings.market_followup", t.MarketFollowup},
		{"timings.capi_followup", t.CapiFollowup},
		{"timings.task_revive", t.TaskRevive},
	}
	for _, f := range positives {
		if f.val == nil {
			v.missing(f.path)
			continue
		}
		if *f.val <= 0 {
			v.bad(f.path, fmt.Sprintf("must be positive, got %d", *f.val))
		}
	}

	if t.Tick == "" {
		v.missing("timings.tick")
	} else if _, err := tickclock.Parse(t.Tick); err != nil {
		v.bad("timings.tick", err.Error())
	}

	// The warning window must open before the expiry boundary, otherwise
	// markets would expire without ever being flagged.
	if t.MarketWarning != nil && t.MarketExpiry != nil &&
		*t.MarketWarning > 0 && *t.MarketExpiry > 0 &&
		*t.MarketWarning >= *t.MarketExpiry {
		v.bad("timings.market_warning", fmt.Sprintf("must be below market_expiry (%d >= %d)", *t.MarketWarning, *t.MarketExpiry))
	}
}
