package voices

// Voice is a synthesis identity configured by the user. The core never
// mutates voices; it only selects among the enabled ones.
type Voice struct {
	ID               string   `yaml:"id" json:"id"`
	DisplayName      string   `yaml:"displayName" json:"name"`
	ProviderTag      string   `yaml:"provider" json:"provider"`
	ProviderVoiceRef string   `yaml:"providerVoiceRef" json:"-"`
	Enabled          bool     `yaml:"enabled" json:"-"`
	AvatarRefs       []string `yaml:"avatarRefs,omitempty" json:"avatarRefs,omitempty"`
}

// Provider tags understood by the hybrid synthesizer.
const (
	ProviderMonster = "monster"
	ProviderEdge    = "edge"
	ProviderGoogle  = "google"
	ProviderPolly   = "polly"
)
