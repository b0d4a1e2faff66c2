package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies inbound chat source event variants.
type Kind string

const (
	KindChat       Kind = "chat"
	KindModeration Kind = "moderation"
)

// Semantic event types derived from source metadata. These drive
// special-voice overrides in the registry.
const (
	TypeChat      = "chat"
	TypeVIP       = "vip"
	TypeHighlight = "highlight"
	TypeSub       = "sub"
	TypeBits      = "bits"
	TypeRaid      = "raid"
)

// ChatEvent is the unified shape produced by every chat source adapter.
type ChatEvent struct {
	Kind      Kind
	User      string
	Text      string
	EventType string
	Tags      map[string]string

	// Moderation fields. DurationSeconds == nil means a permanent ban;
	// a value means a timeout of that many seconds.
	TargetUser      string
	DurationSeconds *int
}

// MessageType identifies overlay websocket payload variants.
type MessageType string

const (
	TypePlay               MessageType = "play"
	TypeStop               MessageType = "stop"
	TypeAvatarSlotsUpdated MessageType = "avatar_slots_updated"
	TypeSettingsUpdated    MessageType = "settings_updated"
	TypeAvatarUpdated      MessageType = "avatar_updated"
	TypeReRandomizeAvatars MessageType = "re_randomize_avatars"
	TypeTwitchAuthError    MessageType = "twitch_auth_error"
	TypeAudioEnded         MessageType = "audio_ended"
)

// VoiceRef is the voice identity embedded in a play payload.
type VoiceRef struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Provider string         `json:"provider"`
	Avatar   map[string]any `json:"avatar,omitempty"`
}

// SlotRef is the target avatar slot embedded in a play payload.
type SlotRef struct {
	ID   string  `json:"id"`
	X    float64 `json:"x_position"`
	Y    float64 `json:"y_position"`
	Size float64 `json:"size"`
}

type Play struct {
	Type         MessageType    `json:"type"`
	User         string         `json:"user"`
	Message      string         `json:"message"`
	EventType    string         `json:"eventType"`
	Voice        VoiceRef       `json:"voice"`
	AudioURL     string         `json:"audioUrl"`
	TargetSlot   SlotRef        `json:"targetSlot"`
	AvatarData   map[string]any `json:"avatarData"`
	GenerationID int64          `json:"generationId"`
}

type Stop struct {
	Type MessageType `json:"type"`
	User string      `json:"user"`
}

type AvatarSlotsUpdated struct {
	Type         MessageType `json:"type"`
	Slots        []SlotRef   `json:"slots"`
	GenerationID int64       `json:"generationId"`
}

type SettingsUpdated struct {
	Type     MessageType    `json:"type"`
	Settings map[string]any `json:"settings"`
}

type AvatarUpdated struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type ReRandomizeAvatars struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type TwitchAuthError struct {
	Type   MessageType `json:"type"`
	Detail string      `json:"detail"`
}

// AudioEnded is the only client frame the core acts on: an early
// slot-release hint reported by the overlay when playback finishes.
type AudioEnded struct {
	Type   MessageType `json:"type"`
	SlotID string      `json:"slotId"`
}

var ErrUnsupportedType = errors.New("unsupported message type")

type envelope struct {
	Type MessageType `json:"type"`
}

// ParseClientMessage decodes an overlay client frame. Unknown types are
// rejected so ping-style payloads can be ignored by the caller.
func ParseClientMessage(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	switch env.Type {
	case TypeAudioEnded:
		var msg AudioEnded
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SlotID) == "" {
			return nil, errors.New("invalid audio_ended")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
