package bridge

import (
	"github.com/spf13/cast"

	"github.com/lagopus-go/dpcore/lerr"
)

// FailMode selects what the dataplane does with packets that miss every
// flow table while no controller has programmed a fallback.
type FailMode uint8

const (
	// FailModeSecure drops table-miss packets and retains installed
	// flows across controller disconnects.
	FailModeSecure FailMode = iota

	// FailModeStandalone falls back to local forwarding (flood, or a
	// learning-bridge hook) on table miss.
	FailModeStandalone
)

// Protocol versions the core speaks.
const (
	Version13 uint8 = 0x04
	Version14 uint8 = 0x05
)

// Config carries the per-bridge settings handed over at creation.
// Persistence belongs to the surrounding datastore; the core only sees
// the decoded values.
type Config struct {
	DPID            uint64
	FailMode        FailMode
	ProtocolVersion uint8
	VersionBitmap   uint32

	// MAC learning table bounds, consumed by the standalone-mode
	// forwarding hook.
	MACTableAgeingTime uint32
	MACTableMaxEntries uint32

	// Tables is the number of flow tables to allocate; zero means
	// DefaultTables.
	Tables int
}

// DefaultTables is the number of flow tables a bridge allocates when
// the config does not say otherwise.
const DefaultTables = 8

// ConfigFromMap coerces a loosely-typed key/value set (as the datastore
// hands it over from JSON) into a Config.
func ConfigFromMap(kv map[string]interface{}) (Config, error) {
	cfg := Config{ProtocolVersion: Version13}

	for key, val := range kv {
		var err error
		switch key {
		case "dpid":
			cfg.DPID, err = cast.ToUint64E(val)
		case "fail-mode":
			var mode string
			if mode, err = cast.ToStringE(val); err == nil {
				switch mode {
				case "secure":
					cfg.FailMode = FailModeSecure
				case "standalone":
					cfg.FailMode = FailModeStandalone
				default:
					return cfg, lerr.Newf(lerr.InvalidArgs, "bridge: unknown fail-mode %q", mode)
				}
			}
		case "mactable-ageing-time":
			cfg.MACTableAgeingTime, err = cast.ToUint32E(val)
		case "mactable-max-entries":
			cfg.MACTableMaxEntries, err = cast.ToUint32E(val)
		case "tables":
			cfg.Tables, err = cast.ToIntE(val)
		default:
			return cfg, lerr.Newf(lerr.InvalidArgs, "bridge: unknown config key %q", key)
		}
		if err != nil {
			return cfg, lerr.Wrap(lerr.InvalidArgs, err)
		}
	}

	if cfg.DPID == 0 {
		return cfg, lerr.New(lerr.InvalidArgs, "bridge: dpid must be non-zero")
	}
	return cfg, nil
}
