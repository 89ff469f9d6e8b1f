package forcesub

const (
	// ConfigContentRestricted toggles protect-content on delivered copies.
	ConfigContentRestricted = "CONTENT RESTRICTED"
	// ConfigForceSubEnabled toggles membership gating for deep links.
	ConfigForceSubEnabled = "FORCE SUB ENABLED"
)

// ConfigEntry is one persisted key/value setting.
type ConfigEntry struct {
	Key   string
	Value string
}

// DefaultConfigEntries returns the well-known keys seeded when absent from storage.
func DefaultConfigEntries() []ConfigEntry {
	return []ConfigEntry{
		{Key: ConfigContentRestricted, Value: "true"},
		{Key: ConfigForceSubEnabled, Value: "true"},
	}
}
