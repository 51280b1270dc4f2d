package task

import "time"

// ChooseRule selects which account-selection policy C4 applies.
type ChooseRule string

const (
	ChooseBestWaitIdle ChooseRule = "BestWaitIdle"
	ChooseRandom       ChooseRule = "Random"
	ChooseWeight       ChooseRule = "Weight"
	ChoosePolling      ChooseRule = "Polling"
)

// Account is the registry's view of one upstream account.
// It is created and mutated out-of-band; the core only observes it.
type Account struct {
	ChannelID string
	GuildID   string

	PrivateChannels []string
	SubChannels     []string // sub-channel ids that forward into ChannelID

	BackendFamily BackendFamily
	EnabledMJ     bool
	EnabledNiji   bool

	CoreSize  int
	QueueSize map[Mode]int

	IntervalMin time.Duration
	IntervalMax time.Duration
	AfterIntervalMin time.Duration
	AfterIntervalMax time.Duration

	Weight int
	Sort   int

	WorkHourStart int // 0-23, -1 disables the work-hours gate
	WorkHourEnd   int

	AllowModes []Mode
	DomainIDs  []string

	CapabilityBlend    bool
	CapabilityDescribe bool
	CapabilityShorten  bool
	CapabilityVertical bool

	CurrentMode Mode

	RemixAutoSubmitMJ   bool
	RemixAutoSubmitNiji bool
	HighVariabilityMode bool

	TimeoutMinutes time.Duration

	Connected bool
	Sleeping  bool
	Enabled   bool
}

// Alive reports whether this account can accept new work right now
// (enabled AND connected AND not sleeping).
func (a *Account) Alive() bool {
	return a.Enabled && a.Connected && !a.Sleeping
}

// SupportsBotFamily reports whether the account's bot is enabled for the
// requested style.
func (a *Account) SupportsBotFamily(b BotFamily) bool {
	switch b {
	case BotMJ:
		return a.EnabledMJ
	case BotNiji:
		return a.EnabledNiji
	}
	return false
}

// SupportsMode reports whether m is in the account's allowed mode list,
// or true for ModeNone (caller has no preference).
func (a *Account) SupportsMode(m Mode) bool {
	if m == ModeNone {
		return true
	}
	for _, allowed := range a.AllowModes {
		if allowed == m {
			return true
		}
	}
	return false
}

// HasDomain reports whether the account is tagged with any of ids.
func (a *Account) HasDomain(ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a.DomainIDs))
	for _, d := range a.DomainIDs {
		set[d] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// KeywordSet is a domain or banned keyword dictionary.
type KeywordSet struct {
	ID       string
	Keywords []string
	Enabled  bool
}
